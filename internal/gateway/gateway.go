// Package gateway talks to the hosting platforms' discussion-thread
// systems through their official CLIs. Implementations are thin: no
// retry or backoff here, callers treat each call as at-least-once.
package gateway

import (
	"context"
	"fmt"

	"github.com/reviewd-dev/reviewd/internal/config"
	"github.com/reviewd-dev/reviewd/internal/storage"
)

// RemoteThread is one remote discussion thread as seen in a snapshot.
type RemoteThread struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
}

// ThreadGateway is the platform port for discussion threads.
type ThreadGateway interface {
	// FetchThreads returns a snapshot of the discussion threads on a
	// merge/pull request.
	FetchThreads(ctx context.Context, repoID string, requestNumber int) ([]RemoteThread, error)

	// CreateThread opens a new discussion thread for a finding and
	// returns the remote thread id. commitSHA anchors line-level threads
	// where the platform requires one; it may be empty.
	CreateThread(ctx context.Context, repoID string, requestNumber int, commitSHA string, f storage.Finding) (string, error)
}

// ForPlatform returns the gateway for a platform.
func ForPlatform(platform storage.Platform, cfg *config.Config) (ThreadGateway, error) {
	switch platform {
	case storage.PlatformGitHub:
		return NewGitHubGateway(cfg.GHCmd), nil
	case storage.PlatformGitLab:
		return NewGitLabGateway(cfg.GlabCmd), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
}

// threadBody renders the finding as a thread comment body.
func threadBody(f storage.Finding) string {
	body := fmt.Sprintf("**[%s]** %s", f.Severity, f.Message)
	if f.File != "" {
		if f.Line > 0 {
			body += fmt.Sprintf("\n\n`%s:%d`", f.File, f.Line)
		} else {
			body += fmt.Sprintf("\n\n`%s`", f.File)
		}
	}
	return body
}
