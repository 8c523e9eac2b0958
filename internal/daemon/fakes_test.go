package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/reviewd-dev/reviewd/internal/gateway"
	"github.com/reviewd-dev/reviewd/internal/reviewer"
	"github.com/reviewd-dev/reviewd/internal/storage"
)

// fakeGateway is an in-memory ThreadGateway. Created threads are
// appended to the snapshot so later fetches see them.
type fakeGateway struct {
	mu         sync.Mutex
	snapshot   []gateway.RemoteThread
	created    []storage.Finding
	commitSHAs []string
	nextID     int
	fetchErr   error
	createErr  error
}

func (g *fakeGateway) FetchThreads(ctx context.Context, repoID string, requestNumber int) ([]gateway.RemoteThread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	out := make([]gateway.RemoteThread, len(g.snapshot))
	copy(out, g.snapshot)
	return out, nil
}

func (g *fakeGateway) CreateThread(ctx context.Context, repoID string, requestNumber int, commitSHA string, f storage.Finding) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.nextID++
	id := fmt.Sprintf("thread-%d", g.nextID)
	g.created = append(g.created, f)
	g.commitSHAs = append(g.commitSHAs, commitSHA)
	g.snapshot = append(g.snapshot, gateway.RemoteThread{ID: id})
	return id, nil
}

func (g *fakeGateway) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

// resolve marks a snapshot thread resolved, simulating a human.
func (g *fakeGateway) resolve(threadID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.snapshot {
		if g.snapshot[i].ID == threadID {
			g.snapshot[i].Resolved = true
		}
	}
}

// fakeReviewer returns canned findings or a canned error.
type fakeReviewer struct {
	mu       sync.Mutex
	findings []storage.Finding
	err      error
	calls    int
}

func (r *fakeReviewer) Invoke(ctx context.Context, key storage.EntityKey, commitSHA, language, model string) (*reviewer.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]storage.Finding, len(r.findings))
	copy(out, r.findings)
	return &reviewer.Outcome{Findings: out, RawReport: "{}"}, nil
}

func (r *fakeReviewer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
