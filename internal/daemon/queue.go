package daemon

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/reviewd-dev/reviewd/internal/storage"
)

// EntryStatus is the lifecycle status of a queue entry.
type EntryStatus string

const (
	EntryRunning  EntryStatus = "running"
	EntryWaiting  EntryStatus = "waiting"
	EntryDone     EntryStatus = "done"
	EntryFailed   EntryStatus = "failed"
	EntryCanceled EntryStatus = "canceled"
)

// QueueEntry tracks one submitted review request. Entries are in-memory
// only; they live for the daemon process lifetime.
type QueueEntry struct {
	JobID       string            `json:"job_id"`
	Key         storage.EntityKey `json:"key"`
	CommitSHA   string            `json:"commit_sha,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Status      EntryStatus       `json:"status"`

	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the entry's cancellation context. The runner derives
// its invocation context (including the timeout) from this.
func (e *QueueEntry) Context() context.Context {
	return e.ctx
}

// Admission outcomes.
type AdmissionStatus string

const (
	AdmissionAdmitted AdmissionStatus = "admitted"
	AdmissionQueued   AdmissionStatus = "queued"
	AdmissionRejected AdmissionStatus = "rejected"
)

// Rejection reasons.
const (
	ReasonDuplicateRunning = "duplicate-running"
	ReasonDebounced        = "debounced"
)

// Admission is the result of submitting a review request.
type Admission struct {
	Status AdmissionStatus `json:"status"`
	JobID  string          `json:"job_id,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Running   int `json:"running"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// Queue gates concurrent reviewer invocations and absorbs duplicate or
// rapid-fire submissions. It assumes a single daemon instance owns it;
// the mutex only guards against concurrent HTTP handlers and settlement
// callbacks, not cross-process access.
type Queue struct {
	mu            sync.Mutex
	maxConcurrent int
	dedupWindow   time.Duration

	entries       map[string]*QueueEntry
	runningByKey  map[storage.EntityKey]string // key -> jobID
	waiting       []string                     // FIFO of jobIDs
	lastCompleted map[storage.EntityKey]time.Time

	completed int
	failed    int
	canceled  int

	// now is injectable for deterministic dedup-window tests
	now func() time.Time

	// runner is invoked in a new goroutine for each entry that becomes
	// running. It must call Settle exactly once when the job finishes.
	runner func(*QueueEntry)
}

// NewQueue creates an admission queue. maxConcurrent must be >= 1.
func NewQueue(maxConcurrent int, dedupWindow time.Duration, runner func(*QueueEntry)) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		maxConcurrent: maxConcurrent,
		dedupWindow:   dedupWindow,
		entries:       make(map[string]*QueueEntry),
		runningByKey:  make(map[storage.EntityKey]string),
		waiting:       nil,
		lastCompleted: make(map[storage.EntityKey]time.Time),
		now:           time.Now,
		runner:        runner,
	}
}

// Submit decides whether a review request for a key may start now.
// Exactly one of: rejected (duplicate-running or debounced), admitted
// (a slot is free, the runner is invoked), or queued (FIFO wait).
func (q *Queue) Submit(key storage.EntityKey, commitSHA string) Admission {
	q.mu.Lock()

	if _, running := q.runningByKey[key]; running {
		q.mu.Unlock()
		return Admission{Status: AdmissionRejected, Reason: ReasonDuplicateRunning}
	}

	if last, ok := q.lastCompleted[key]; ok && q.dedupWindow > 0 {
		if q.now().Sub(last) < q.dedupWindow {
			q.mu.Unlock()
			return Admission{Status: AdmissionRejected, Reason: ReasonDebounced}
		}
	}

	entry := &QueueEntry{
		JobID:       generateJobID(),
		Key:         key,
		CommitSHA:   commitSHA,
		SubmittedAt: q.now(),
	}
	entry.ctx, entry.cancel = context.WithCancel(context.Background())
	q.entries[entry.JobID] = entry

	if len(q.runningByKey) < q.maxConcurrent {
		entry.Status = EntryRunning
		q.runningByKey[key] = entry.JobID
		q.mu.Unlock()
		go q.runner(entry)
		return Admission{Status: AdmissionAdmitted, JobID: entry.JobID}
	}

	entry.Status = EntryWaiting
	q.waiting = append(q.waiting, entry.JobID)
	q.mu.Unlock()
	return Admission{Status: AdmissionQueued, JobID: entry.JobID}
}

// Settle marks a job terminal, records its completion time for the dedup
// window, and promotes the oldest eligible waiting entry. Promotion
// happens on failure too, so the queue never stalls.
func (q *Queue) Settle(jobID string, jobErr error) {
	q.mu.Lock()

	entry, ok := q.entries[jobID]
	if !ok || entry.Status != EntryRunning {
		q.mu.Unlock()
		return
	}

	if jobErr != nil {
		entry.Status = EntryFailed
		q.failed++
	} else {
		entry.Status = EntryDone
		q.completed++
	}
	entry.cancel()
	delete(q.runningByKey, entry.Key)
	q.lastCompleted[entry.Key] = q.now()

	promoted := q.promoteLocked()
	q.mu.Unlock()

	if promoted != nil {
		go q.runner(promoted)
	}
}

// promoteLocked pops the oldest waiting entry whose key is not already
// running and marks it running. Caller holds q.mu.
func (q *Queue) promoteLocked() *QueueEntry {
	for i, jobID := range q.waiting {
		entry := q.entries[jobID]
		if entry == nil || entry.Status != EntryWaiting {
			continue
		}
		if _, running := q.runningByKey[entry.Key]; running {
			continue
		}
		q.waiting = append(q.waiting[:i:i], q.waiting[i+1:]...)
		entry.Status = EntryRunning
		q.runningByKey[entry.Key] = entry.JobID
		return entry
	}
	// Drop settled leftovers from the front
	for len(q.waiting) > 0 {
		if e := q.entries[q.waiting[0]]; e != nil && e.Status == EntryWaiting {
			break
		}
		q.waiting = q.waiting[1:]
	}
	return nil
}

// Cancel cancels a job. A waiting job is removed and never runs. A
// running job gets a cooperative cancellation signal; its slot is freed
// only when the runner reports settlement.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()

	entry, ok := q.entries[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch entry.Status {
	case EntryWaiting:
		entry.Status = EntryCanceled
		entry.cancel()
		q.canceled++
		for i, id := range q.waiting {
			if id == jobID {
				q.waiting = append(q.waiting[:i:i], q.waiting[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		log.Printf("[job %s] canceled while waiting", jobID)
		return true
	case EntryRunning:
		q.mu.Unlock()
		log.Printf("[job %s] cancellation requested", jobID)
		entry.cancel()
		return true
	default:
		q.mu.Unlock()
		return false
	}
}

// CancelKey cancels any running or waiting entry for a key. Used when
// the entity is closed and outstanding work is moot.
func (q *Queue) CancelKey(key storage.EntityKey) {
	q.mu.Lock()
	var ids []string
	if id, ok := q.runningByKey[key]; ok {
		ids = append(ids, id)
	}
	for _, id := range q.waiting {
		if e := q.entries[id]; e != nil && e.Key == key && e.Status == EntryWaiting {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Cancel(id)
	}
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting := 0
	for _, id := range q.waiting {
		if e := q.entries[id]; e != nil && e.Status == EntryWaiting {
			waiting++
		}
	}
	return QueueStats{
		Running:   len(q.runningByKey),
		Waiting:   waiting,
		Completed: q.completed,
		Failed:    q.failed,
		Canceled:  q.canceled,
	}
}

// JobStatus returns a copy of the entry for a job id.
func (q *Queue) JobStatus(jobID string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[jobID]
	if !ok {
		return QueueEntry{}, false
	}
	return *entry, true
}

// generateJobID generates a random UUID v4 string.
func generateJobID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// This should never happen with crypto/rand
		panic(fmt.Sprintf("failed to generate job id: %v", err))
	}
	b[6] = (b[6] & 0x0f) | 0x40 // Version 4
	b[8] = (b[8] & 0x3f) | 0x80 // Variant RFC 4122
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
