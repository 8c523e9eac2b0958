package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/reviewd-dev/reviewd/internal/config"
	"github.com/reviewd-dev/reviewd/internal/gateway"
	"github.com/reviewd-dev/reviewd/internal/reviewer"
	"github.com/reviewd-dev/reviewd/internal/storage"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.DedupWindowSeconds = 0
	cfg.StaleAfterMinutes = 60
	cfg.ReviewTimeoutMinutes = 1
	cfg.FollowupTickSeconds = 0
	return cfg
}

func testScheduler(t *testing.T, rev reviewer.Port) (*Scheduler, *storage.DB, *fakeGateway) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "tracking.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gw := &fakeGateway{}
	gateways := map[storage.Platform]gateway.ThreadGateway{
		storage.PlatformGitHub: gw,
		storage.PlatformGitLab: gw,
	}
	s := NewScheduler(db, &StaticConfig{Cfg: testConfig()}, rev, gateways, NewBroadcaster())
	return s, db, gw
}

func lcKey(n int) storage.EntityKey {
	return storage.EntityKey{Platform: storage.PlatformGitHub, RepoID: "acme/widgets", RequestNumber: n}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// setState forces a record into a state for test setup.
func setState(t *testing.T, db *storage.DB, key storage.EntityKey, state storage.RecordState, mutate func(*storage.TrackingRecord)) *storage.TrackingRecord {
	t.Helper()
	rec, err := db.GetRecord(key)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	rec.State = state
	if mutate != nil {
		mutate(rec)
	}
	if err := db.UpdateRecord(rec); err != nil {
		t.Fatalf("set state: %v", err)
	}
	return rec
}

func TestAssignmentCreatesRecord(t *testing.T) {
	// Failing reviewer keeps the background job from advancing state.
	s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)

	err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundAssignment, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber, CommitSHA: "abc123",
	})
	if err != nil {
		t.Fatalf("handle assignment: %v", err)
	}

	rec, err := db.GetRecord(key)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != storage.StateAssigned {
		t.Errorf("state = %s, want assigned", rec.State)
	}
	if rec.LastKnownCommit != "abc123" {
		t.Errorf("commit = %s", rec.LastKnownCommit)
	}
}

func TestAssignmentRedeliveryIsNoop(t *testing.T) {
	s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)
	ev := &InboundEvent{Type: InboundAssignment, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber, CommitSHA: "abc123"}

	if err := s.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("first assignment: %v", err)
	}
	before, _ := db.GetRecord(key)

	// At-least-once delivery: the same event again must change nothing.
	if err := s.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("redelivered assignment: %v", err)
	}
	after, _ := db.GetRecord(key)
	if after.Version != before.Version || after.State != before.State {
		t.Errorf("redelivery mutated record: %+v -> %+v", before, after)
	}
}

func TestReviewCompletionAdvancesToPendingApproval(t *testing.T) {
	rev := &fakeReviewer{findings: []storage.Finding{
		{ID: storage.FindingID("nil deref", "a.go", 10), Severity: storage.SeverityBlocking,
			Message: "nil deref", File: "a.go", Line: 10, LocalStatus: storage.FindingOpen},
	}}
	s, db, gw := testScheduler(t, rev)
	key := lcKey(1)

	if err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundAssignment, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber, CommitSHA: "abc123",
	}); err != nil {
		t.Fatalf("assignment: %v", err)
	}

	waitFor(t, "pending approval", func() bool {
		rec, err := db.GetRecord(key)
		return err == nil && rec.State == storage.StatePendingApproval
	})

	rec, _ := db.GetRecord(key)
	if rec.LastReviewCompletedAt == nil {
		t.Error("last_review_completed_at not set")
	}
	if len(rec.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(rec.Findings))
	}
	waitFor(t, "thread creation", func() bool { return gw.createCount() == 1 })
}

func TestPushTriggersReReview(t *testing.T) {
	rev := &fakeReviewer{err: errTest}
	s, db, _ := testScheduler(t, rev)
	key := lcKey(1)

	db.CreateRecord(key, "abc123")
	setState(t, db, key, storage.StatePendingApproval, nil)

	err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundPush, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber, CommitSHA: "def456",
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	rec, _ := db.GetRecord(key)
	if rec.State != storage.StateReviewing {
		t.Errorf("state = %s, want reviewing", rec.State)
	}
	if rec.LastKnownCommit != "def456" {
		t.Errorf("commit = %s, want def456", rec.LastKnownCommit)
	}
	waitFor(t, "reviewer invocation", func() bool { return rev.callCount() == 1 })
}

func TestPushSameCommitIgnored(t *testing.T) {
	rev := &fakeReviewer{err: errTest}
	s, db, _ := testScheduler(t, rev)
	key := lcKey(1)

	db.CreateRecord(key, "abc123")
	before := setState(t, db, key, storage.StatePendingApproval, nil)

	err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundPush, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber, CommitSHA: "abc123",
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	after, _ := db.GetRecord(key)
	if after.State != storage.StatePendingApproval || after.Version != before.Version {
		t.Errorf("same-commit push mutated record: %+v", after)
	}
	if rev.callCount() != 0 {
		t.Errorf("reviewer invoked %d times", rev.callCount())
	}
}

func TestPushUntrackedDropped(t *testing.T) {
	s, _, _ := testScheduler(t, &fakeReviewer{err: errTest})
	err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundPush, Platform: storage.PlatformGitHub, RepoID: "acme/widgets",
		RequestNumber: 404, CommitSHA: "abc",
	})
	if err != nil {
		t.Errorf("push for untracked entity should be dropped, got %v", err)
	}
}

// Events outside the transition table leave state and findings unchanged.
func TestUnknownStateEventPairsAreNoops(t *testing.T) {
	tests := []struct {
		name  string
		state storage.RecordState
		event InboundType
	}{
		{"push while assigned", storage.StateAssigned, InboundPush},
		{"push while reviewing", storage.StateReviewing, InboundPush},
		{"push while resolved", storage.StateResolved, InboundPush},
		{"thread update while assigned", storage.StateAssigned, InboundThreadUpdate},
		{"thread update while reviewing", storage.StateReviewing, InboundThreadUpdate},
		{"thread update while resolved", storage.StateResolved, InboundThreadUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rev := &fakeReviewer{err: errTest}
			s, db, gw := testScheduler(t, rev)
			key := lcKey(1)
			db.CreateRecord(key, "abc123")
			before := setState(t, db, key, tt.state, func(rec *storage.TrackingRecord) {
				rec.Findings = append(rec.Findings, storage.Finding{
					ID: "f1", Severity: storage.SeverityBlocking, Message: "bug",
					LocalStatus: storage.FindingOpen,
				})
			})

			err := s.HandleEvent(context.Background(), &InboundEvent{
				Type: tt.event, Platform: key.Platform, RepoID: key.RepoID,
				RequestNumber: key.RequestNumber, CommitSHA: "new-sha",
			})
			if err != nil {
				t.Fatalf("handle event: %v", err)
			}

			after, _ := db.GetRecord(key)
			if after.State != before.State {
				t.Errorf("state changed: %s -> %s", before.State, after.State)
			}
			if after.Version != before.Version {
				t.Errorf("version changed: %d -> %d", before.Version, after.Version)
			}
			if len(after.Findings) != len(before.Findings) {
				t.Errorf("findings changed: %d -> %d", len(before.Findings), len(after.Findings))
			}
			if gw.createCount() != 0 {
				t.Errorf("no-op event created %d remote thread(s)", gw.createCount())
			}
		})
	}
}

func TestMergeFindingsKeepsThreadMappings(t *testing.T) {
	s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)
	db.CreateRecord(key, "abc123")
	setState(t, db, key, storage.StateReviewing, func(rec *storage.TrackingRecord) {
		rec.Findings = append(rec.Findings,
			storage.Finding{ID: "f1", Severity: storage.SeverityWarning, Message: "old message",
				LocalStatus: storage.FindingResolved,
				Thread:      &storage.ThreadMapping{RemoteThreadID: "t1", LastSyncedRemoteStatus: "resolved"}},
			storage.Finding{ID: "f2", Severity: storage.SeveritySuggestion, Message: "still here",
				LocalStatus: storage.FindingOpen,
				Thread:      &storage.ThreadMapping{RemoteThreadID: "t2", LastSyncedRemoteStatus: "open"}},
		)
	})

	// Re-review reports f1 (escalated) and a new f3, but not f2.
	err := s.applyReviewCompleted(context.Background(), key, []storage.Finding{
		{ID: "f1", Severity: storage.SeverityBlocking, Message: "new message", File: "b.go", Line: 3},
		{ID: "f3", Severity: storage.SeveritySuggestion, Message: "brand new"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, _ := db.GetRecord(key)
	if rec.State != storage.StatePendingApproval {
		t.Errorf("state = %s", rec.State)
	}
	if len(rec.Findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(rec.Findings))
	}

	f1 := rec.FindingByID("f1")
	if f1.Message != "new message" || f1.Severity != storage.SeverityBlocking {
		t.Errorf("f1 not updated: %+v", f1)
	}
	if f1.Thread == nil || f1.Thread.RemoteThreadID != "t1" {
		t.Error("f1 lost its thread mapping")
	}
	if f1.LocalStatus != storage.FindingResolved {
		t.Errorf("f1 local status changed to %s", f1.LocalStatus)
	}

	// f2 no longer reported: stored status untouched
	f2 := rec.FindingByID("f2")
	if f2 == nil || f2.LocalStatus != storage.FindingOpen || f2.Message != "still here" {
		t.Errorf("f2 mutated: %+v", f2)
	}

	f3 := rec.FindingByID("f3")
	if f3 == nil || f3.LocalStatus != storage.FindingOpen {
		t.Errorf("f3 not appended open: %+v", f3)
	}
}

func TestReviewFailureDoesNotAdvanceState(t *testing.T) {
	rev := &fakeReviewer{err: errTest}
	s, db, _ := testScheduler(t, rev)
	key := lcKey(1)

	s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundAssignment, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber, CommitSHA: "abc123",
	})

	waitFor(t, "failed settlement", func() bool { return s.Queue().Stats().Failed == 1 })

	rec, _ := db.GetRecord(key)
	if rec.State != storage.StateAssigned {
		t.Errorf("failed review advanced state to %s", rec.State)
	}
	if rec.LastReviewCompletedAt != nil {
		t.Error("failed review set completion time")
	}
}

func TestTransitionRetriesVersionConflictOnce(t *testing.T) {
	s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)
	db.CreateRecord(key, "abc123")

	attempts := 0
	_, err := s.transition(key, func(rec *storage.TrackingRecord) (bool, error) {
		attempts++
		if attempts == 1 {
			// Interfering writer bumps the version mid-transition
			other, _ := db.GetRecord(key)
			other.LastKnownCommit = "interloper"
			if err := db.UpdateRecord(other); err != nil {
				t.Fatalf("interfering write: %v", err)
			}
		}
		rec.State = storage.StateReviewing
		return true, nil
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}

	rec, _ := db.GetRecord(key)
	if rec.State != storage.StateReviewing {
		t.Errorf("state = %s", rec.State)
	}
	if rec.LastKnownCommit != "interloper" {
		t.Errorf("retry lost the interfering write: %s", rec.LastKnownCommit)
	}
}

func TestTransitionSurfacesPersistentConflict(t *testing.T) {
	s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)
	db.CreateRecord(key, "abc123")

	attempts := 0
	_, err := s.transition(key, func(rec *storage.TrackingRecord) (bool, error) {
		attempts++
		other, _ := db.GetRecord(key)
		other.FollowupCount++ // any bump
		if err := db.UpdateRecord(other); err != nil {
			t.Fatalf("interfering write: %v", err)
		}
		rec.State = storage.StateReviewing
		return true, nil
	})
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly one retry (2 attempts), got %d", attempts)
	}
}

func TestClosedRetiresRecordFromAnyState(t *testing.T) {
	for _, state := range []storage.RecordState{
		storage.StateAssigned, storage.StateReviewing,
		storage.StatePendingApproval, storage.StateResolved,
	} {
		t.Run(string(state), func(t *testing.T) {
			s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
			key := lcKey(1)
			db.CreateRecord(key, "abc123")
			setState(t, db, key, state, nil)

			err := s.HandleEvent(context.Background(), &InboundEvent{
				Type: InboundClosed, Platform: key.Platform, RepoID: key.RepoID,
				RequestNumber: key.RequestNumber,
			})
			if err != nil {
				t.Fatalf("closed: %v", err)
			}
			if _, err := db.GetRecord(key); !errors.Is(err, storage.ErrRecordNotFound) {
				t.Errorf("record not retired: %v", err)
			}
		})
	}
}

func TestFollowupCheckTriggersReview(t *testing.T) {
	rev := &fakeReviewer{err: errTest}
	s, db, _ := testScheduler(t, rev)
	key := lcKey(1)
	db.CreateRecord(key, "abc123")

	stale := time.Now().UTC().Add(-2 * time.Hour)
	setState(t, db, key, storage.StatePendingApproval, func(rec *storage.TrackingRecord) {
		rec.LastReviewCompletedAt = &stale
		rec.Findings = append(rec.Findings, storage.Finding{
			ID: "f1", Severity: storage.SeverityBlocking, Message: "bug",
			LocalStatus: storage.FindingOpen,
		})
	})

	if err := s.followupCheck(context.Background(), key); err != nil {
		t.Fatalf("followup check: %v", err)
	}

	rec, _ := db.GetRecord(key)
	if rec.State != storage.StateReviewing {
		t.Errorf("state = %s, want reviewing", rec.State)
	}
	if rec.FollowupCount != 1 {
		t.Errorf("followup count = %d, want 1", rec.FollowupCount)
	}
	if rec.LastFollowupAt == nil {
		t.Error("last_followup_at not set")
	}
	waitFor(t, "follow-up review", func() bool { return rev.callCount() == 1 })
}

func TestFollowupCheckResolvesWhenNothingBlocking(t *testing.T) {
	s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)
	db.CreateRecord(key, "abc123")

	recent := time.Now().UTC().Add(-time.Minute)
	setState(t, db, key, storage.StatePendingApproval, func(rec *storage.TrackingRecord) {
		rec.LastReviewCompletedAt = &recent
		rec.Findings = append(rec.Findings,
			storage.Finding{ID: "f1", Severity: storage.SeverityBlocking, Message: "fixed",
				LocalStatus: storage.FindingResolved},
			storage.Finding{ID: "f2", Severity: storage.SeveritySuggestion, Message: "meh",
				LocalStatus: storage.FindingOpen},
		)
	})

	if err := s.followupCheck(context.Background(), key); err != nil {
		t.Fatalf("followup check: %v", err)
	}

	rec, _ := db.GetRecord(key)
	if rec.State != storage.StateResolved {
		t.Errorf("state = %s, want resolved", rec.State)
	}
}

func TestFollowupCheckLeavesFreshBlockingPending(t *testing.T) {
	s, db, _ := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)
	db.CreateRecord(key, "abc123")

	recent := time.Now().UTC().Add(-time.Minute)
	setState(t, db, key, storage.StatePendingApproval, func(rec *storage.TrackingRecord) {
		rec.LastReviewCompletedAt = &recent
		rec.Findings = append(rec.Findings, storage.Finding{
			ID: "f1", Severity: storage.SeverityBlocking, Message: "bug",
			LocalStatus: storage.FindingOpen,
		})
	})

	if err := s.followupCheck(context.Background(), key); err != nil {
		t.Fatalf("followup check: %v", err)
	}

	rec, _ := db.GetRecord(key)
	if rec.State != storage.StatePendingApproval {
		t.Errorf("state = %s, want pending_approval", rec.State)
	}
	if rec.FollowupCount != 0 {
		t.Errorf("followup count = %d, want 0", rec.FollowupCount)
	}
}

func TestThreadUpdateResolvesWhenBlockingCleared(t *testing.T) {
	s, db, gw := testScheduler(t, &fakeReviewer{err: errTest})
	key := lcKey(1)
	db.CreateRecord(key, "abc123")
	setState(t, db, key, storage.StatePendingApproval, func(rec *storage.TrackingRecord) {
		rec.Findings = append(rec.Findings, storage.Finding{
			ID: "f1", Severity: storage.SeverityBlocking, Message: "bug",
			LocalStatus: storage.FindingOpen,
			Thread:      &storage.ThreadMapping{RemoteThreadID: "t1", LastSyncedRemoteStatus: "open"},
		})
	})
	gw.snapshot = []gateway.RemoteThread{{ID: "t1", Resolved: true}}

	err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundThreadUpdate, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber,
	})
	if err != nil {
		t.Fatalf("thread update: %v", err)
	}

	rec, _ := db.GetRecord(key)
	if rec.Findings[0].LocalStatus != storage.FindingResolved {
		t.Errorf("f1 status = %s", rec.Findings[0].LocalStatus)
	}
	if rec.State != storage.StateResolved {
		t.Errorf("state = %s, want resolved", rec.State)
	}
}

// End-to-end: assignment -> review with findings -> threads created ->
// remote resolution -> follow-up settles the entity.
func TestEndToEndLifecycle(t *testing.T) {
	f1 := storage.Finding{ID: storage.FindingID("buffer overflow", "io.go", 42),
		Severity: storage.SeverityBlocking, Message: "buffer overflow", File: "io.go", Line: 42,
		LocalStatus: storage.FindingOpen}
	f2 := storage.Finding{ID: storage.FindingID("prefer strings.Builder", "fmt.go", 7),
		Severity: storage.SeveritySuggestion, Message: "prefer strings.Builder", File: "fmt.go", Line: 7,
		LocalStatus: storage.FindingOpen}
	rev := &fakeReviewer{findings: []storage.Finding{f1, f2}}
	s, db, gw := testScheduler(t, rev)
	key := lcKey(9)

	// t=0: assignment
	if err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundAssignment, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber, CommitSHA: "abc123",
	}); err != nil {
		t.Fatalf("assignment: %v", err)
	}

	// Review completes, both threads get created and their mappings persisted
	waitFor(t, "pending approval with persisted thread mappings", func() bool {
		rec, err := db.GetRecord(key)
		if err != nil || rec.State != storage.StatePendingApproval {
			return false
		}
		b, s := rec.FindingByID(f1.ID), rec.FindingByID(f2.ID)
		return b != nil && b.Thread != nil && s != nil && s.Thread != nil
	})
	if gw.createCount() != 2 {
		t.Fatalf("expected 2 threads created, got %d", gw.createCount())
	}

	rec, _ := db.GetRecord(key)
	blocking := rec.FindingByID(f1.ID)

	// A human resolves the blocking finding's thread remotely
	gw.resolve(blocking.Thread.RemoteThreadID)

	if err := s.HandleEvent(context.Background(), &InboundEvent{
		Type: InboundThreadUpdate, Platform: key.Platform, RepoID: key.RepoID,
		RequestNumber: key.RequestNumber,
	}); err != nil {
		t.Fatalf("thread update: %v", err)
	}

	rec, _ = db.GetRecord(key)
	if got := rec.FindingByID(f1.ID).LocalStatus; got != storage.FindingResolved {
		t.Errorf("blocking finding status = %s, want resolved", got)
	}
	if rec.State != storage.StateResolved {
		t.Errorf("state = %s, want resolved", rec.State)
	}
	if rev.callCount() != 1 {
		t.Errorf("reviewer invoked %d times, want 1", rev.callCount())
	}
}

func TestRunFollowupSweep(t *testing.T) {
	rev := &fakeReviewer{err: errTest}
	s, db, _ := testScheduler(t, rev)

	staleKey, freshKey := lcKey(1), lcKey(2)
	stale := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC().Add(-time.Minute)

	db.CreateRecord(staleKey, "abc")
	setState(t, db, staleKey, storage.StatePendingApproval, func(rec *storage.TrackingRecord) {
		rec.LastReviewCompletedAt = &stale
		rec.Findings = append(rec.Findings, storage.Finding{
			ID: "f1", Severity: storage.SeverityBlocking, Message: "bug", LocalStatus: storage.FindingOpen})
	})

	db.CreateRecord(freshKey, "def")
	setState(t, db, freshKey, storage.StatePendingApproval, func(rec *storage.TrackingRecord) {
		rec.LastReviewCompletedAt = &recent
		rec.Findings = append(rec.Findings, storage.Finding{
			ID: "f1", Severity: storage.SeverityBlocking, Message: "bug", LocalStatus: storage.FindingOpen})
	})

	s.RunFollowupSweep(context.Background())

	staleRec, _ := db.GetRecord(staleKey)
	if staleRec.State != storage.StateReviewing {
		t.Errorf("stale record state = %s, want reviewing", staleRec.State)
	}
	freshRec, _ := db.GetRecord(freshKey)
	if freshRec.State != storage.StatePendingApproval {
		t.Errorf("fresh record state = %s, want pending_approval", freshRec.State)
	}
}
