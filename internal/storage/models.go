package storage

import (
	"fmt"
	"time"
)

// Platform identifies the hosting platform a reviewable entity lives on.
type Platform string

const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// ValidPlatform reports whether p is a known platform.
func ValidPlatform(p Platform) bool {
	return p == PlatformGitHub || p == PlatformGitLab
}

// EntityKey uniquely identifies a reviewable entity (merge/pull request)
// across platforms. It is the unit of tracking and deduplication.
type EntityKey struct {
	Platform      Platform `json:"platform"`
	RepoID        string   `json:"repo_id"`
	RequestNumber int      `json:"request_number"`
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s!%d", k.Platform, k.RepoID, k.RequestNumber)
}

// RecordState is the lifecycle state of a tracking record.
type RecordState string

const (
	StateAssigned        RecordState = "assigned"
	StateReviewing       RecordState = "reviewing"
	StatePendingApproval RecordState = "pending_approval"
	StateResolved        RecordState = "resolved"
	StateClosed          RecordState = "closed"
)

// Severity classifies a finding.
type Severity string

const (
	SeverityBlocking   Severity = "blocking"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// FindingStatus is the locally tracked status of a finding.
type FindingStatus string

const (
	FindingOpen      FindingStatus = "open"
	FindingResolved  FindingStatus = "resolved"
	FindingDismissed FindingStatus = "dismissed"
)

// ThreadMapping links a finding to its remote discussion thread.
// RemoteThreadID, once set, is never cleared or reassigned.
type ThreadMapping struct {
	RemoteThreadID         string     `json:"remote_thread_id"`
	LastSyncedRemoteStatus string     `json:"last_synced_remote_status,omitempty"`
	LastSyncedAt           *time.Time `json:"last_synced_at,omitempty"`
}

// Finding is one reviewer-reported issue on a tracked entity.
type Finding struct {
	ID          string         `json:"id"` // content-derived, stable across reorderings
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	File        string         `json:"file,omitempty"`
	Line        int            `json:"line,omitempty"` // 0 when the finding has no location
	LocalStatus FindingStatus  `json:"local_status"`
	Thread      *ThreadMapping `json:"thread,omitempty"`
}

// TrackingRecord is the durable state for one reviewable entity.
// It is mutated only through version-checked writes (UpdateRecord).
type TrackingRecord struct {
	RowID                 int64       `json:"-"`
	Key                   EntityKey   `json:"key"`
	State                 RecordState `json:"state"`
	LastKnownCommit       string      `json:"last_known_commit"`
	Findings              []Finding   `json:"findings"` // insertion order = discovery order
	AssignedAt            time.Time   `json:"assigned_at"`
	LastReviewCompletedAt *time.Time  `json:"last_review_completed_at,omitempty"`
	LastFollowupAt        *time.Time  `json:"last_followup_at,omitempty"`
	FollowupCount         int         `json:"followup_count"`
	Version               int64       `json:"version"`
}

// FindingByID returns a pointer to the finding with the given id, or nil.
func (r *TrackingRecord) FindingByID(id string) *Finding {
	for i := range r.Findings {
		if r.Findings[i].ID == id {
			return &r.Findings[i]
		}
	}
	return nil
}

// OpenBlockingCount returns the number of findings that are both
// blocking and still open locally.
func (r *TrackingRecord) OpenBlockingCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == SeverityBlocking && f.LocalStatus == FindingOpen {
			n++
		}
	}
	return n
}
