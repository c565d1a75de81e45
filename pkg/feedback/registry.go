package feedback

import (
	"context"
	"fmt"
	"sync"
)

// Registry keeps at most one active runner per org within this process.
type Registry struct {
	mu      sync.Mutex
	runners map[string]*Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

// Start runs r in the background. The returned channel yields Run's result
// once and is then closed. It fails with ErrAlreadyRunning if the org has an active runner.
func (g *Registry) Start(ctx context.Context, r *Runner) (<-chan error, error) {
	g.mu.Lock()
	if _, ok := g.runners[r.orgID]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("org %s: %w", r.orgID, ErrAlreadyRunning)
	}
	if err := r.begin(); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	g.runners[r.orgID] = r
	g.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		err := r.loop(ctx)
		g.mu.Lock()
		if g.runners[r.orgID] == r {
			delete(g.runners, r.orgID)
		}
		g.mu.Unlock()
		errc <- err
	}()
	return errc, nil
}

// Get returns the active runner for orgID.
func (g *Registry) Get(orgID string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[orgID]
	return r, ok
}

// StopAll asks every active runner to stop.
func (g *Registry) StopAll() {
	g.mu.Lock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}
}
