package daemon

import (
	"context"
	"log"
	"time"

	"github.com/reviewd-dev/reviewd/internal/gateway"
	"github.com/reviewd-dev/reviewd/internal/storage"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	ThreadsCreated int // remote threads created this pass
	LocalResolved  int // findings marked resolved from remote state
	SyncConflicts  int // mapped threads missing from the snapshot
	Changed        bool
}

// Reconcile brings rec's findings in line with a remote thread snapshot
// with minimal, idempotent side effects. It mutates rec in place; the
// caller persists the record afterwards if Changed is set.
//
// Per finding:
//   - no thread mapping: create a remote thread, store the returned id;
//   - remote resolved while locally open: mark locally resolved;
//   - locally resolved while remote open: nothing — remote threads are
//     never force-closed or reopened by this engine;
//   - mapped thread missing from the snapshot: logged sync conflict,
//     local state unchanged.
//
// A gateway error on one finding is logged and does not abort the pass.
// Every mutation is guarded by a status comparison, so a second run over
// an unchanged snapshot performs zero remote calls and no local changes.
func Reconcile(ctx context.Context, gw gateway.ThreadGateway, rec *storage.TrackingRecord, snapshot []gateway.RemoteThread) ReconcileResult {
	remote := make(map[string]bool, len(snapshot))
	for _, t := range snapshot {
		remote[t.ID] = t.Resolved
	}

	var res ReconcileResult
	now := time.Now().UTC()

	for i := range rec.Findings {
		f := &rec.Findings[i]

		if f.Thread == nil || f.Thread.RemoteThreadID == "" {
			threadID, err := gw.CreateThread(ctx, rec.Key.RepoID, rec.Key.RequestNumber, rec.LastKnownCommit, *f)
			if err != nil {
				log.Printf("[%s] create thread for finding %s: %v", rec.Key, f.ID, err)
				continue
			}
			t := now
			f.Thread = &storage.ThreadMapping{
				RemoteThreadID:         threadID,
				LastSyncedRemoteStatus: "open",
				LastSyncedAt:           &t,
			}
			res.ThreadsCreated++
			res.Changed = true
			continue
		}

		resolved, known := remote[f.Thread.RemoteThreadID]
		if !known {
			// Thread deleted or inaccessible remotely. Leave local
			// state alone; this is not fatal for the pass.
			log.Printf("[%s] sync conflict: thread %s for finding %s missing from snapshot",
				rec.Key, f.Thread.RemoteThreadID, f.ID)
			res.SyncConflicts++
			continue
		}

		if resolved && f.LocalStatus == storage.FindingOpen {
			f.LocalStatus = storage.FindingResolved
			f.Thread.LastSyncedRemoteStatus = "resolved"
			t := now
			f.Thread.LastSyncedAt = &t
			res.LocalResolved++
			res.Changed = true
		}
		// Locally resolved but remote still open: local already matches
		// the desired outcome. A human-initiated reopen is authoritative
		// and only acted on through new findings, never by force-closing.
	}

	return res
}
