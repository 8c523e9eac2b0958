package daemon

import (
	"fmt"
	"time"

	"github.com/reviewd-dev/reviewd/internal/storage"
)

// ShouldFollowup decides whether a new review pass should be scheduled
// for a record. Pure function: safe to call from a timer, an operator
// command, or synchronously after reconciliation.
//
// Triggers only when at least one blocking finding is still open locally
// and the last completed review is at least staleAfter old. Warnings and
// suggestions never trigger a follow-up regardless of age.
func ShouldFollowup(rec *storage.TrackingRecord, now time.Time, staleAfter time.Duration) (bool, string) {
	if rec.LastReviewCompletedAt == nil {
		return false, "no completed review"
	}

	open := rec.OpenBlockingCount()
	if open == 0 {
		return false, "no open blocking findings"
	}

	age := now.Sub(*rec.LastReviewCompletedAt)
	if age < staleAfter {
		return false, fmt.Sprintf("%d open blocking finding(s), not yet stale (age %s)", open, age.Round(time.Second))
	}

	return true, fmt.Sprintf("%d open blocking finding(s) stale for %s", open, age.Round(time.Second))
}
