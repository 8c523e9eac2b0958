package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/reviewd-dev/reviewd/internal/config"
	"github.com/reviewd-dev/reviewd/internal/gateway"
	"github.com/reviewd-dev/reviewd/internal/reviewer"
	"github.com/reviewd-dev/reviewd/internal/storage"
)

// ConfigGetter provides the current configuration. Jobs snapshot it once
// so a reload mid-job cannot mix settings.
type ConfigGetter interface {
	Config() *config.Config
}

// StaticConfig is a ConfigGetter for a fixed configuration.
type StaticConfig struct {
	Cfg *config.Config
}

func (s *StaticConfig) Config() *config.Config { return s.Cfg }

// Scheduler advances tracked entities through the review lifecycle. All
// tracking record mutations go through version-checked writes; a lost
// race is re-read and retried exactly once, then surfaced as transient.
type Scheduler struct {
	db          *storage.DB
	cfgGetter   ConfigGetter
	reviewer    reviewer.Port
	gateways    map[storage.Platform]gateway.ThreadGateway
	broadcaster Broadcaster
	queue       *Queue
}

// NewScheduler wires the scheduler and its admission queue.
func NewScheduler(db *storage.DB, cfgGetter ConfigGetter, rev reviewer.Port, gateways map[storage.Platform]gateway.ThreadGateway, broadcaster Broadcaster) *Scheduler {
	cfg := cfgGetter.Config()
	s := &Scheduler{
		db:          db,
		cfgGetter:   cfgGetter,
		reviewer:    rev,
		gateways:    gateways,
		broadcaster: broadcaster,
	}
	s.queue = NewQueue(cfg.MaxConcurrent,
		time.Duration(cfg.DedupWindowSeconds)*time.Second, s.runJob)
	return s
}

// Queue exposes the admission queue for the HTTP API.
func (s *Scheduler) Queue() *Queue {
	return s.queue
}

// HandleEvent processes one normalized inbound event. Unknown
// (state, event) combinations are logged no-ops, never errors: webhook
// redelivery and out-of-order arrival are expected. Failures are local
// to the event's key.
func (s *Scheduler) HandleEvent(ctx context.Context, ev *InboundEvent) error {
	switch ev.Type {
	case InboundAssignment:
		return s.handleAssignment(ctx, ev)
	case InboundPush:
		return s.handlePush(ctx, ev)
	case InboundCompletion:
		return s.handleCompletion(ctx, ev)
	case InboundThreadUpdate:
		return s.handleThreadUpdate(ctx, ev)
	case InboundClosed:
		return s.handleClosed(ctx, ev)
	default:
		return &MalformedEventError{Reason: fmt.Sprintf("unhandled type %q", ev.Type)}
	}
}

// transition runs a read-verify-write cycle for a key. apply mutates the
// record and reports whether to persist; it runs against a fresh read on
// each attempt. A version conflict is retried exactly once.
func (s *Scheduler) transition(key storage.EntityKey, apply func(*storage.TrackingRecord) (bool, error)) (*storage.TrackingRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.db.GetRecord(key)
		if err != nil {
			return nil, err
		}
		persist, err := apply(rec)
		if err != nil {
			return nil, err
		}
		if !persist {
			return rec, nil
		}
		err = s.db.UpdateRecord(rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= 1 {
			return nil, fmt.Errorf("transition for %s: %w", key, err)
		}
		log.Printf("[%s] version conflict, retrying transition", key)
	}
}

func (s *Scheduler) handleAssignment(ctx context.Context, ev *InboundEvent) error {
	key := ev.Key()
	rec, err := s.db.CreateRecord(key, ev.CommitSHA)
	if errors.Is(err, storage.ErrRecordExists) {
		// Redelivered assignment; record unchanged.
		log.Printf("[%s] assignment for tracked entity ignored", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("assignment %s: %w", key, err)
	}

	log.Printf("[%s] assigned at %s", key, shortSHA(ev.CommitSHA))
	s.broadcastState(key, rec.State, "")
	s.submitReview(key, ev.CommitSHA)
	return nil
}

func (s *Scheduler) handlePush(ctx context.Context, ev *InboundEvent) error {
	key := ev.Key()
	moved := false
	_, err := s.transition(key, func(rec *storage.TrackingRecord) (bool, error) {
		moved = false
		if rec.State != storage.StatePendingApproval {
			log.Printf("[%s] push in state %s ignored", key, rec.State)
			return false, nil
		}
		if ev.CommitSHA == rec.LastKnownCommit {
			log.Printf("[%s] push for already-reviewed commit %s ignored", key, shortSHA(ev.CommitSHA))
			return false, nil
		}
		rec.LastKnownCommit = ev.CommitSHA
		rec.State = storage.StateReviewing
		moved = true
		return true, nil
	})
	if errors.Is(err, storage.ErrRecordNotFound) {
		log.Printf("[%s] push for untracked entity dropped", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	if moved {
		log.Printf("[%s] new commit %s, re-reviewing", key, shortSHA(ev.CommitSHA))
		s.broadcastState(key, storage.StateReviewing, "")
		s.submitReview(key, ev.CommitSHA)
	}
	return nil
}

// handleCompletion handles an externally relayed completion signal. The
// reviewer port's own completions carry findings and flow through
// runJob; this path just re-syncs threads and re-evaluates follow-up.
func (s *Scheduler) handleCompletion(ctx context.Context, ev *InboundEvent) error {
	key := ev.Key()
	if _, err := s.db.GetRecord(key); err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			log.Printf("[%s] completion for untracked entity dropped", key)
			return nil
		}
		return err
	}
	s.reconcileRecord(ctx, key, nil)
	return s.followupCheck(ctx, key)
}

func (s *Scheduler) handleThreadUpdate(ctx context.Context, ev *InboundEvent) error {
	key := ev.Key()
	rec, err := s.db.GetRecord(key)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			log.Printf("[%s] thread update for untracked entity dropped", key)
			return nil
		}
		return err
	}
	// Thread updates only bind to pending approval; in any other state the
	// event is a logged no-op and must not touch the record or the remote.
	if rec.State != storage.StatePendingApproval {
		log.Printf("[%s] thread update in state %s ignored", key, rec.State)
		return nil
	}

	s.reconcileRecord(ctx, key, ev.Threads)

	// All blocking findings resolved remotely settles the entity.
	resolved := false
	_, err = s.transition(key, func(rec *storage.TrackingRecord) (bool, error) {
		resolved = false
		if rec.State != storage.StatePendingApproval {
			return false, nil
		}
		if rec.OpenBlockingCount() > 0 {
			return false, nil
		}
		rec.State = storage.StateResolved
		resolved = true
		return true, nil
	})
	if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
		return fmt.Errorf("thread update %s: %w", key, err)
	}
	if resolved {
		log.Printf("[%s] all blocking findings resolved", key)
		s.broadcastState(key, storage.StateResolved, "remote threads resolved")
	}
	return nil
}

func (s *Scheduler) handleClosed(ctx context.Context, ev *InboundEvent) error {
	key := ev.Key()

	// Outstanding work for a closed entity is pointless; cancel it.
	s.queue.CancelKey(key)

	err := s.db.DeleteRecord(key)
	if errors.Is(err, storage.ErrRecordNotFound) {
		log.Printf("[%s] close for untracked entity ignored", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	log.Printf("[%s] closed, record retired", key)
	s.broadcastState(key, storage.StateClosed, "")
	return nil
}

// submitReview submits the key to the admission queue and logs the outcome.
func (s *Scheduler) submitReview(key storage.EntityKey, commitSHA string) Admission {
	adm := s.queue.Submit(key, commitSHA)
	switch adm.Status {
	case AdmissionAdmitted:
		log.Printf("[%s] review admitted (job %s)", key, adm.JobID)
	case AdmissionQueued:
		log.Printf("[%s] review queued (job %s)", key, adm.JobID)
	case AdmissionRejected:
		log.Printf("[%s] review rejected: %s", key, adm.Reason)
	}
	return adm
}

// runJob executes one admitted review. Runs on its own goroutine; it
// must settle the queue entry exactly once.
func (s *Scheduler) runJob(entry *QueueEntry) {
	key := entry.Key
	cfg := s.cfgGetter.Config()

	timeout := time.Duration(cfg.ReviewTimeoutMinutes) * time.Minute
	ctx, cancel := context.WithTimeout(entry.Context(), timeout)
	defer cancel()

	commitSHA := entry.CommitSHA
	if commitSHA == "" {
		if rec, err := s.db.GetRecord(key); err == nil {
			commitSHA = rec.LastKnownCommit
		}
	}

	s.broadcaster.Broadcast(Event{
		Type:          EventReviewStarted,
		TS:            time.Now(),
		Platform:      key.Platform,
		RepoID:        key.RepoID,
		RequestNumber: key.RequestNumber,
		JobID:         entry.JobID,
	})

	log.Printf("[%s] running review (job %s, commit %s)", key, entry.JobID, shortSHA(commitSHA))
	outcome, err := s.reviewer.Invoke(ctx, key, commitSHA,
		config.ResolveLanguage("", cfg), config.ResolveModel("", cfg))

	// Settle before applying the outcome so a follow-up or push enqueued
	// by the completion path is not rejected as duplicate-running.
	s.queue.Settle(entry.JobID, err)

	if err != nil {
		// Failed invocation never advances state past reviewing; the
		// entity stays eligible for the next push or follow-up.
		log.Printf("[%s] review failed (job %s): %v", key, entry.JobID, err)
		s.broadcaster.Broadcast(Event{
			Type:          EventReviewFailed,
			TS:            time.Now(),
			Platform:      key.Platform,
			RepoID:        key.RepoID,
			RequestNumber: key.RequestNumber,
			JobID:         entry.JobID,
			Error:         err.Error(),
		})
		return
	}

	if err := s.applyReviewCompleted(context.Background(), key, outcome.Findings); err != nil {
		log.Printf("[%s] apply review outcome: %v", key, err)
	}
}

// applyReviewCompleted merges findings from a completed review pass,
// moves the record to pending approval, syncs threads, and evaluates
// follow-up need.
func (s *Scheduler) applyReviewCompleted(ctx context.Context, key storage.EntityKey, findings []storage.Finding) error {
	var newIDs []string
	rec, err := s.transition(key, func(rec *storage.TrackingRecord) (bool, error) {
		newIDs = nil
		if rec.State != storage.StateAssigned && rec.State != storage.StateReviewing {
			log.Printf("[%s] review completion in state %s ignored", key, rec.State)
			return false, nil
		}
		newIDs = mergeFindings(rec, findings)
		now := time.Now().UTC()
		rec.LastReviewCompletedAt = &now
		rec.State = storage.StatePendingApproval
		return true, nil
	})
	if errors.Is(err, storage.ErrRecordNotFound) {
		// Entity was closed while the review ran.
		log.Printf("[%s] review completed for retired entity, dropping outcome", key)
		return nil
	}
	if err != nil {
		return err
	}
	if rec.State != storage.StatePendingApproval {
		return nil
	}

	log.Printf("[%s] review completed: %d finding(s), %d new", key, len(findings), len(newIDs))
	s.broadcastState(key, storage.StatePendingApproval, "")
	for _, id := range newIDs {
		s.broadcaster.Broadcast(Event{
			Type:          EventFindingAdded,
			TS:            time.Now(),
			Platform:      key.Platform,
			RepoID:        key.RepoID,
			RequestNumber: key.RequestNumber,
			FindingID:     id,
		})
	}

	s.reconcileRecord(ctx, key, nil)
	return s.followupCheck(ctx, key)
}

// mergeFindings folds a new review round into the record. Findings with
// a known id keep their thread mapping and local status but pick up the
// latest message, location, and severity. New ids are appended open.
// Previously stored findings the reviewer no longer reports are left
// untouched; remote resolution is the reconciler's call.
func mergeFindings(rec *storage.TrackingRecord, incoming []storage.Finding) []string {
	var newIDs []string
	for _, in := range incoming {
		if existing := rec.FindingByID(in.ID); existing != nil {
			existing.Severity = in.Severity
			existing.Message = in.Message
			existing.File = in.File
			existing.Line = in.Line
			continue
		}
		in.LocalStatus = storage.FindingOpen
		in.Thread = nil
		rec.Findings = append(rec.Findings, in)
		newIDs = append(newIDs, in.ID)
	}
	return newIDs
}

// reconcileRecord fetches a remote thread snapshot (unless one was
// pushed with the event) and reconciles the record against it. Errors
// here are logged and swallowed: a failed sync must not abort event
// processing for the key, let alone other keys.
func (s *Scheduler) reconcileRecord(ctx context.Context, key storage.EntityKey, snapshot []gateway.RemoteThread) {
	gw, ok := s.gateways[key.Platform]
	if !ok {
		log.Printf("[%s] no gateway for platform, skipping reconcile", key)
		return
	}

	if snapshot == nil {
		var err error
		snapshot, err = gw.FetchThreads(ctx, key.RepoID, key.RequestNumber)
		if err != nil {
			log.Printf("[%s] fetch threads: %v", key, err)
			return
		}
	}

	rec, err := s.db.GetRecord(key)
	if err != nil {
		log.Printf("[%s] reconcile read: %v", key, err)
		return
	}

	res := Reconcile(ctx, gw, rec, snapshot)
	if res.ThreadsCreated > 0 || res.LocalResolved > 0 {
		log.Printf("[%s] reconciled: %d thread(s) created, %d finding(s) resolved, %d conflict(s)",
			key, res.ThreadsCreated, res.LocalResolved, res.SyncConflicts)
	}
	if !res.Changed {
		return
	}

	if err := s.persistReconciled(rec); err != nil {
		log.Printf("[%s] persist reconcile: %v", key, err)
	}
}

// persistReconciled writes back a reconciled record. On a version
// conflict the gateway calls are NOT repeated; the thread mappings and
// resolutions already obtained are overlaid onto a fresh read instead,
// so no remote thread is ever created twice.
func (s *Scheduler) persistReconciled(rec *storage.TrackingRecord) error {
	err := s.db.UpdateRecord(rec)
	if err == nil || !errors.Is(err, storage.ErrVersionConflict) {
		return err
	}

	fresh, err := s.db.GetRecord(rec.Key)
	if err != nil {
		return err
	}
	for _, f := range rec.Findings {
		cur := fresh.FindingByID(f.ID)
		if cur == nil {
			fresh.Findings = append(fresh.Findings, f)
			continue
		}
		if cur.Thread == nil && f.Thread != nil {
			cur.Thread = f.Thread
		}
		if f.LocalStatus == storage.FindingResolved && cur.LocalStatus == storage.FindingOpen {
			cur.LocalStatus = storage.FindingResolved
			if cur.Thread != nil && f.Thread != nil {
				cur.Thread.LastSyncedRemoteStatus = f.Thread.LastSyncedRemoteStatus
				cur.Thread.LastSyncedAt = f.Thread.LastSyncedAt
			}
		}
	}
	return s.db.UpdateRecord(fresh)
}

// followupCheck evaluates follow-up need for a pending-approval record.
// A stale open blocking finding re-enters review; a record with nothing
// blocking left settles to resolved. Open blocking findings that are not
// yet stale leave the record pending.
func (s *Scheduler) followupCheck(ctx context.Context, key storage.EntityKey) error {
	cfg := s.cfgGetter.Config()
	staleAfter := time.Duration(cfg.StaleAfterMinutes) * time.Minute

	var triggered, settled bool
	var reason string
	var commitSHA string
	_, err := s.transition(key, func(rec *storage.TrackingRecord) (bool, error) {
		triggered, settled = false, false
		if rec.State != storage.StatePendingApproval {
			return false, nil
		}
		commitSHA = rec.LastKnownCommit

		trigger, r := ShouldFollowup(rec, time.Now(), staleAfter)
		reason = r
		if trigger {
			now := time.Now().UTC()
			rec.FollowupCount++
			rec.LastFollowupAt = &now
			rec.State = storage.StateReviewing
			triggered = true
			return true, nil
		}
		if rec.OpenBlockingCount() == 0 {
			rec.State = storage.StateResolved
			settled = true
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, storage.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("followup check %s: %w", key, err)
	}

	if triggered {
		log.Printf("[%s] follow-up triggered: %s", key, reason)
		s.broadcaster.Broadcast(Event{
			Type:          EventFollowupTriggered,
			TS:            time.Now(),
			Platform:      key.Platform,
			RepoID:        key.RepoID,
			RequestNumber: key.RequestNumber,
			Reason:        reason,
		})
		s.broadcastState(key, storage.StateReviewing, reason)
		s.submitReview(key, commitSHA)
	} else if settled {
		log.Printf("[%s] resolved: %s", key, reason)
		s.broadcastState(key, storage.StateResolved, reason)
	}
	return nil
}

// RunFollowupSweep evaluates follow-up need for every pending-approval
// record. Called from the ticker and the operator endpoint. A failure on
// one key never stops the sweep.
func (s *Scheduler) RunFollowupSweep(ctx context.Context) {
	recs, err := s.db.ListRecords(storage.StatePendingApproval)
	if err != nil {
		log.Printf("followup sweep: %v", err)
		return
	}
	for i := range recs {
		if err := s.followupCheck(ctx, recs[i].Key); err != nil {
			log.Printf("[%s] followup sweep: %v", recs[i].Key, err)
		}
	}
}

func (s *Scheduler) broadcastState(key storage.EntityKey, state storage.RecordState, reason string) {
	s.broadcaster.Broadcast(Event{
		Type:          EventStateChanged,
		TS:            time.Now(),
		Platform:      key.Platform,
		RepoID:        key.RepoID,
		RequestNumber: key.RequestNumber,
		State:         string(state),
		Reason:        reason,
	})
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	if sha == "" {
		return "(none)"
	}
	return sha
}
