package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/reviewd-dev/reviewd/internal/storage"
)

// GitLabGateway reads and creates merge request discussions via the
// glab CLI. repoID is the project path (group/project) or numeric id.
type GitLabGateway struct {
	Command string // the glab command to run (default: "glab")
}

// NewGitLabGateway creates a GitLab gateway
func NewGitLabGateway(command string) *GitLabGateway {
	if command == "" {
		command = "glab"
	}
	return &GitLabGateway{Command: command}
}

type gitlabNote struct {
	Resolvable bool `json:"resolvable"`
	Resolved   bool `json:"resolved"`
}

type gitlabDiscussion struct {
	ID    string       `json:"id"`
	Notes []gitlabNote `json:"notes"`
}

// FetchThreads returns the discussions on a merge request. A discussion
// counts as resolved when every resolvable note in it is resolved.
func (g *GitLabGateway) FetchThreads(ctx context.Context, repoID string, requestNumber int) ([]RemoteThread, error) {
	out, err := g.run(ctx,
		"api",
		fmt.Sprintf("projects/%s/merge_requests/%d/discussions?per_page=100",
			url.PathEscape(repoID), requestNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch discussions %s!%d: %w", repoID, requestNumber, err)
	}

	var discussions []gitlabDiscussion
	if err := json.Unmarshal(out, &discussions); err != nil {
		return nil, fmt.Errorf("decode discussions: %w", err)
	}

	var threads []RemoteThread
	for _, d := range discussions {
		threads = append(threads, RemoteThread{ID: d.ID, Resolved: discussionResolved(d)})
	}
	return threads, nil
}

// discussionResolved reports whether every resolvable note in the
// discussion is resolved. A discussion with no resolvable notes is not
// resolved; it never was actionable.
func discussionResolved(d gitlabDiscussion) bool {
	resolved := false
	for _, n := range d.Notes {
		if !n.Resolvable {
			continue
		}
		resolved = n.Resolved
		if !resolved {
			break
		}
	}
	return resolved
}

// CreateThread opens a new discussion for a finding and returns its id.
// Discussions are body-level, so commitSHA is not needed here.
func (g *GitLabGateway) CreateThread(ctx context.Context, repoID string, requestNumber int, commitSHA string, f storage.Finding) (string, error) {
	out, err := g.run(ctx,
		"api", "--method", "POST",
		fmt.Sprintf("projects/%s/merge_requests/%d/discussions",
			url.PathEscape(repoID), requestNumber),
		"-f", "body="+threadBody(f),
	)
	if err != nil {
		return "", fmt.Errorf("create discussion %s!%d: %w", repoID, requestNumber, err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create discussion %s!%d: empty id in response", repoID, requestNumber)
	}
	return created.ID, nil
}

func (g *GitLabGateway) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", g.Command, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
