package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/reviewd-dev/reviewd/internal/storage"
)

// GitHubGateway reads and creates pull request review threads via the
// gh CLI. Thread resolution state is only exposed through GraphQL, so
// fetches go through `gh api graphql`.
type GitHubGateway struct {
	Command string // the gh command to run (default: "gh")
}

// NewGitHubGateway creates a GitHub gateway
func NewGitHubGateway(command string) *GitHubGateway {
	if command == "" {
		command = "gh"
	}
	return &GitHubGateway{Command: command}
}

const githubThreadsQuery = `
query($owner: String!, $name: String!, $number: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) {
        nodes { id isResolved }
      }
    }
  }
}`

type githubThreadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						ID         string `json:"id"`
						IsResolved bool   `json:"isResolved"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
}

// FetchThreads returns the review threads on a pull request.
// repoID is "owner/name".
func (g *GitHubGateway) FetchThreads(ctx context.Context, repoID string, requestNumber int) ([]RemoteThread, error) {
	owner, name, err := splitRepoID(repoID)
	if err != nil {
		return nil, err
	}

	out, err := g.run(ctx,
		"api", "graphql",
		"-f", "query="+githubThreadsQuery,
		"-f", "owner="+owner,
		"-f", "name="+name,
		"-F", fmt.Sprintf("number=%d", requestNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch threads %s#%d: %w", repoID, requestNumber, err)
	}

	var resp githubThreadsResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode threads response: %w", err)
	}

	var threads []RemoteThread
	for _, n := range resp.Data.Repository.PullRequest.ReviewThreads.Nodes {
		threads = append(threads, RemoteThread{ID: n.ID, Resolved: n.IsResolved})
	}
	return threads, nil
}

// CreateThread opens a review comment for a finding and returns its id.
// Line-anchored findings become review comments, which the REST endpoint
// only accepts with a real commit SHA; findings without a location (or
// without a known commit) fall back to issue-level comments.
func (g *GitHubGateway) CreateThread(ctx context.Context, repoID string, requestNumber int, commitSHA string, f storage.Finding) (string, error) {
	var out []byte
	var err error
	if f.File != "" && f.Line > 0 && commitSHA != "" {
		out, err = g.run(ctx,
			"api", fmt.Sprintf("repos/%s/pulls/%d/comments", repoID, requestNumber),
			"-f", "body="+threadBody(f),
			"-f", "path="+f.File,
			"-F", fmt.Sprintf("line=%d", f.Line),
			"-f", "side=RIGHT",
			"-f", "commit_id="+commitSHA,
		)
	} else {
		out, err = g.run(ctx,
			"api", fmt.Sprintf("repos/%s/issues/%d/comments", repoID, requestNumber),
			"-f", "body="+threadBody(f),
		)
	}
	if err != nil {
		return "", fmt.Errorf("create thread %s#%d: %w", repoID, requestNumber, err)
	}

	var created struct {
		NodeID string `json:"node_id"`
		ID     int64  `json:"id"`
	}
	if err := json.Unmarshal(out, &created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.NodeID != "" {
		return created.NodeID, nil
	}
	return fmt.Sprintf("%d", created.ID), nil
}

func (g *GitHubGateway) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", g.Command, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func splitRepoID(repoID string) (owner, name string, err error) {
	parts := strings.SplitN(repoID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid github repo id %q (want owner/name)", repoID)
	}
	return parts[0], parts[1], nil
}
