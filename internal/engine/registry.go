package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netsendo/funnel/internal/persistence"
	"github.com/netsendo/funnel/pkg/api"
)

// funnelGraph is a loaded funnel with its steps indexed by id.
type funnelGraph struct {
	funnel api.Funnel
	steps  map[string]*api.Step
	entry  string

	loadedAt time.Time
}

func newFunnelGraph(f api.Funnel, steps []api.Step, at time.Time) *funnelGraph {
	g := &funnelGraph{
		funnel:   f,
		steps:    make(map[string]*api.Step, len(steps)),
		loadedAt: at,
	}

	ordered := make([]api.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	for i := range ordered {
		s := ordered[i]
		g.steps[s.ID] = &s
		if g.entry == "" && s.Type == api.StepStart {
			g.entry = s.ID
		}
	}
	if g.entry == "" && len(ordered) > 0 {
		g.entry = ordered[0].ID
	}
	return g
}

// Step looks up a step by id.
func (g *funnelGraph) Step(id string) (*api.Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// graphRegistry caches step graphs between ticks. Entries expire after ttl
// so edits made by another process are picked up; a ttl <= 0 disables
// caching.
type graphRegistry struct {
	store persistence.FunnelStore
	ttl   time.Duration
	now   func() time.Time

	mu   sync.RWMutex
	byID map[string]*funnelGraph
}

func newGraphRegistry(store persistence.FunnelStore, ttl time.Duration, now func() time.Time) *graphRegistry {
	return &graphRegistry{
		store: store,
		ttl:   ttl,
		now:   now,
		byID:  make(map[string]*funnelGraph),
	}
}

// Get returns the graph of a funnel, loading it on a miss.
func (r *graphRegistry) Get(ctx context.Context, funnelID string) (*funnelGraph, error) {
	now := r.now()

	r.mu.RLock()
	g, ok := r.byID[funnelID]
	r.mu.RUnlock()
	if ok && now.Sub(g.loadedAt) < r.ttl {
		return g, nil
	}

	f, err := r.store.GetFunnel(ctx, funnelID)
	if err != nil {
		return nil, err
	}
	steps, err := r.store.ListSteps(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("load steps of funnel %s: %w", funnelID, err)
	}
	g = newFunnelGraph(*f, steps, now)

	r.mu.Lock()
	r.byID[funnelID] = g
	r.mu.Unlock()
	return g, nil
}

// Invalidate drops a cached graph.
func (r *graphRegistry) Invalidate(funnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, funnelID)
}
