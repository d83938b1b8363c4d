// Package topology tracks the component graph: static nodes and edges, a
// periodic health loop over probe callbacks, and per-query data-flow
// paths for visualization.
package topology

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	healthInterval = 10 * time.Second
	flowTTL        = time.Hour
	maxFlowPaths   = 100
)

// Probe checks one component and returns its status. Probes must be
// cheap; the health loop runs them serially every tick.
type Probe func(ctx context.Context) models.ComponentStatus

// Tracker owns the component graph and flow map.
type Tracker struct {
	bus       *events.Bus
	startedAt time.Time
	now       func() time.Time

	mu     sync.Mutex
	nodes  map[string]*models.ComponentNode
	edges  []models.ComponentConnection
	probes map[string]Probe
	flows  map[string]*models.DataFlowPath
	order  []string // flow query ids, oldest first

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures the tracker.
type Option func(*Tracker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker publishing transition events to bus.
func NewTracker(bus *events.Bus, opts ...Option) *Tracker {
	t := &Tracker{
		bus:       bus,
		startedAt: time.Now(),
		now:       time.Now,
		nodes:     make(map[string]*models.ComponentNode),
		probes:    make(map[string]Probe),
		flows:     make(map[string]*models.DataFlowPath),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterComponent adds a node and its health probe to the graph.
func (t *Tracker) RegisterComponent(id, label, kind string, probe Probe) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = &models.ComponentNode{
		ID:    id,
		Label: label,
		Kind:  kind,
		Health: models.HealthMetrics{
			Status:    models.ComponentOffline,
			LastCheck: t.now().UTC(),
		},
	}
	if probe != nil {
		t.probes[id] = probe
	}
}

// Connect records a static edge between two registered components.
func (t *Tracker) Connect(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edges = append(t.edges, models.ComponentConnection{From: from, To: to, Active: true})
}

// Start runs the health loop until the context is canceled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.CheckHealth(ctx)
			}
		}
	}()
	log.Info().Int("components", len(t.nodes)).Msg("Topology tracker started")
}

// Stop cancels the health loop. Idempotent.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
	})
}

// CheckHealth runs every registered probe once and records transitions.
func (t *Tracker) CheckHealth(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.probes))
	for id := range t.probes {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	selfMemMB := float64(memStats.Sys) / (1 << 20)

	for _, id := range ids {
		t.mu.Lock()
		probe := t.probes[id]
		t.mu.Unlock()

		status := probe(ctx)
		t.recordHealth(id, status, selfMemMB)
	}
	t.evictStaleFlows()
}

func (t *Tracker) recordHealth(id string, status models.ComponentStatus, memMB float64) {
	t.mu.Lock()
	node, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	before := node.Health.Status
	node.Health.Status = status
	node.Health.UptimeSec = t.now().Sub(t.startedAt).Seconds()
	node.Health.MemoryMB = memMB
	node.Health.LastCheck = t.now().UTC()
	t.mu.Unlock()

	if before != status {
		log.Info().
			Str("component", id).
			Str("before", string(before)).
			Str("after", string(status)).
			Msg("Component health transition")
		t.bus.Publish(models.NewEvent(models.EventTopologyHealth, transitionSeverity(status),
			fmt.Sprintf("Component %s: %s -> %s", id, before, status),
			map[string]interface{}{"component": id, "before": string(before), "after": string(status)}))
	}
}

func transitionSeverity(status models.ComponentStatus) models.Severity {
	switch status {
	case models.ComponentUnhealthy, models.ComponentOffline:
		return models.SeverityError
	case models.ComponentDegraded:
		return models.SeverityWarning
	}
	return models.SeverityInfo
}

// RecordFlow appends a component to the query's data-flow path. A
// component appears at most once per path. Paths expire after an hour and
// the map is capped at 100 paths, evicting oldest first.
func (t *Tracker) RecordFlow(queryID, componentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	path, ok := t.flows[queryID]
	if !ok {
		path = &models.DataFlowPath{QueryID: queryID, StartedAt: now}
		t.flows[queryID] = path
		t.order = append(t.order, queryID)
	}
	for _, c := range path.Components {
		if c == componentID {
			path.UpdatedAt = now
			return
		}
	}
	path.Components = append(path.Components, componentID)
	path.UpdatedAt = now

	t.evictLocked(now)
}

func (t *Tracker) evictStaleFlows() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(t.now().UTC())
}

// evictLocked drops paths past the TTL, then oldest paths beyond the cap.
// Caller must hold t.mu.
func (t *Tracker) evictLocked(now time.Time) {
	cutoff := now.Add(-flowTTL)
	kept := t.order[:0]
	for _, id := range t.order {
		if path, ok := t.flows[id]; ok && path.UpdatedAt.After(cutoff) {
			kept = append(kept, id)
		} else {
			delete(t.flows, id)
		}
	}
	t.order = kept

	for len(t.order) > maxFlowPaths {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.flows, oldest)
	}
}

// Snapshot returns the full graph: nodes sorted by id, edges, and flows
// ordered oldest first.
func (t *Tracker) Snapshot() models.TopologySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := models.TopologySnapshot{
		Connections: append([]models.ComponentConnection(nil), t.edges...),
	}
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Nodes = append(snap.Nodes, *t.nodes[id])
	}
	for _, id := range t.order {
		snap.Flows = append(snap.Flows, *t.flows[id])
	}
	return snap
}

// SelfProbe returns a probe for the orchestrator process itself: healthy
// whenever the health loop is running at all.
func SelfProbe() Probe {
	return func(context.Context) models.ComponentStatus {
		return models.ComponentHealthy
	}
}
