package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/reviewd-dev/reviewd/internal/gateway"
	"github.com/reviewd-dev/reviewd/internal/storage"
)

// Inbound event types, produced by the out-of-scope webhook layer in a
// platform-neutral shape.
type InboundType string

const (
	InboundAssignment   InboundType = "assignment"
	InboundPush         InboundType = "push"
	InboundCompletion   InboundType = "completion"
	InboundThreadUpdate InboundType = "thread-update"
	InboundClosed       InboundType = "closed"
)

// InboundEvent is a normalized repository event.
type InboundEvent struct {
	Type          InboundType            `json:"type"`
	Platform      storage.Platform       `json:"platform"`
	RepoID        string                 `json:"repo_id"`
	RequestNumber int                    `json:"request_number"`
	CommitSHA     string                 `json:"commit_sha,omitempty"`
	Threads       []gateway.RemoteThread `json:"threads,omitempty"`
}

// Key returns the entity key the event addresses.
func (ev *InboundEvent) Key() storage.EntityKey {
	return storage.EntityKey{
		Platform:      ev.Platform,
		RepoID:        ev.RepoID,
		RequestNumber: ev.RequestNumber,
	}
}

// MalformedEventError marks an inbound event that cannot be processed.
// Such events are dropped and logged, never retried.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

// ParseInboundEvent decodes and validates a normalized inbound event.
func ParseInboundEvent(data []byte) (*InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	switch ev.Type {
	case InboundAssignment, InboundPush, InboundCompletion, InboundThreadUpdate, InboundClosed:
	default:
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unknown type %q", ev.Type)}
	}

	if !storage.ValidPlatform(ev.Platform) {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unknown platform %q", ev.Platform)}
	}
	if ev.RepoID == "" {
		return nil, &MalformedEventError{Reason: "missing repo_id"}
	}
	if ev.RequestNumber <= 0 {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("invalid request_number %d", ev.RequestNumber)}
	}
	if ev.Type == InboundPush && ev.CommitSHA == "" {
		return nil, &MalformedEventError{Reason: "push event missing commit_sha"}
	}

	return &ev, nil
}
