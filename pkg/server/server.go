// Package server assembles the Conclave control plane: every core
// component is constructed here, wired explicitly, and owned by one Core
// value. There are no package-level singletons; main.go and tests both go
// through New.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/conclave-ai/conclave/internal/agent"
	"github.com/conclave-ai/conclave/internal/api"
	"github.com/conclave-ai/conclave/internal/api/handlers"
	"github.com/conclave-ai/conclave/internal/cache"
	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/internal/instances"
	"github.com/conclave-ai/conclave/internal/metrics"
	"github.com/conclave-ai/conclave/internal/orchestrator"
	"github.com/conclave-ai/conclave/internal/process"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/retrieval"
	"github.com/conclave-ai/conclave/internal/selector"
	"github.com/conclave-ai/conclave/internal/telemetry"
	"github.com/conclave-ai/conclave/internal/topology"
	"github.com/conclave-ai/conclave/internal/websearch"
	"github.com/conclave-ai/conclave/pkg/models"

	"github.com/rs/zerolog/log"
)

// Core holds the initialized control plane.
type Core struct {
	Cfg     *config.Config
	Handler http.Handler

	Registry     *registry.Registry
	Manager      *process.Manager
	Instances    *instances.Manager
	Selector     *selector.Selector
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Aggregator
	Topology     *topology.Tracker
	Bus          *events.Bus
	Cache        *cache.Cache
	Retrieval    *retrieval.Engine
	Search       *websearch.Client

	shutdownTelemetry func(context.Context) error
	cancel            context.CancelFunc
}

// New constructs and wires every component. Nothing is running yet; call
// Start to spawn the background loops.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	bus := events.NewBus(
		events.WithHistorySize(cfg.Events.HistorySize),
		events.WithQueueSize(cfg.Events.SubscriberQueue),
		events.WithDispatchTimeout(cfg.Events.DispatchTimeout),
	)
	agg := metrics.NewAggregator(
		metrics.WithCapacity(cfg.Metrics.RingCapacity),
		metrics.WithRetention(cfg.Metrics.Retention),
	)

	scanner := registry.NewScanner(models.TierThresholds{
		PowerfulMin: cfg.Models.PowerfulThreshold,
		FastMax:     cfg.Models.FastThreshold,
	}, cfg.Models.PortRangeLo, cfg.Models.PortRangeHi)
	reg := registry.New(cfg.Models.RegistryPath, scanner)
	if err := reg.Discover(cfg.Models.ScanPath); err != nil {
		// A missing scan directory on first boot is not fatal; the
		// registry keeps whatever its persisted document held.
		log.Warn().Err(err).Str("path", cfg.Models.ScanPath).Msg("Model discovery failed")
	}
	log.Info().Int("models", len(reg.List())).Msg("Model registry ready")

	mgr := process.NewManager(cfg.Servers, bus)
	inst := instances.New(cfg.Models.InstancePath, reg, mgr,
		cfg.Models.InstancePortLo, cfg.Models.InstancePortHi)
	sel := selector.New(reg, mgr)

	eng := retrieval.NewEngine(cfg.Retrieval.IndexDir, nil)
	respCache := cache.New(cfg.Cache.Addr, cfg.Cache.TTL, cfg.Cache.Enabled)
	search := websearch.NewClient(cfg.WebSearch.Endpoint, cfg.WebSearch.MaxResults)
	topo := topology.NewTracker(bus)

	caller := &orchestrator.ManagerCaller{Manager: mgr}
	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Registry:  reg,
		Selector:  sel,
		Ready:     mgr,
		Caller:    caller,
		Retrieval: eng,
		Search:    search,
		Cache:     respCache,
		Instances: inst,
		Bus:       bus,
		Metrics:   agg,
		Topology:  topo,
	})

	ws, err := agent.NewWorkspace(cfg.Agent.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("init agent workspace: %w", err)
	}
	gateway := handlers.NewAgentGateway(cfg.Agent, caller, sel, agent.BuiltinTools(ws), bus)

	core := &Core{
		Cfg:               cfg,
		Registry:          reg,
		Manager:           mgr,
		Instances:         inst,
		Selector:          sel,
		Orchestrator:      orch,
		Metrics:           agg,
		Topology:          topo,
		Bus:               bus,
		Cache:             respCache,
		Retrieval:         eng,
		Search:            search,
		shutdownTelemetry: shutdownTelemetry,
	}
	core.registerTopology()

	h := &handlers.Handlers{
		Cfg:          cfg,
		Registry:     reg,
		Manager:      mgr,
		Instances:    inst,
		Orchestrator: orch,
		Metrics:      agg,
		Topology:     topo,
		Bus:          bus,
		Retrieval:    eng,
		Agent:        gateway,
	}
	core.Handler = api.NewRouter(cfg, h)

	return core, nil
}

// Start spawns the background loops: event broadcast, metric retention
// sweep, and topology health checks.
func (c *Core) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.Bus.Start(ctx)
	c.Metrics.Start(ctx)
	c.Topology.Start(ctx)
	log.Info().Msg("Conclave core started")
}

// Stop shuts everything down: inference servers first, then the loops,
// then the bus so late events still reach subscribers.
func (c *Core) Stop(ctx context.Context) {
	c.Manager.StopAll(c.Cfg.Servers.StopTimeout)
	c.Topology.Stop()
	c.Metrics.Stop()
	c.Bus.Stop()
	if err := c.Cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Cache close failed")
	}
	if err := c.shutdownTelemetry(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if c.cancel != nil {
		c.cancel()
	}
	log.Info().Msg("Conclave core stopped")
}

// registerTopology declares the static component graph and binds the
// health probes.
func (c *Core) registerTopology() {
	t := c.Topology

	t.RegisterComponent("orchestrator", "Query Orchestrator", "service", topology.SelfProbe())
	t.RegisterComponent("registry", "Model Registry", "service", func(ctx context.Context) models.ComponentStatus {
		if len(c.Registry.List()) == 0 {
			return models.ComponentDegraded
		}
		return models.ComponentHealthy
	})
	t.RegisterComponent("servers", "Inference Servers", "service", func(ctx context.Context) models.ComponentStatus {
		summary := c.Manager.StatusSummary()
		switch {
		case summary.Ready > 0:
			return models.ComponentHealthy
		case summary.Total > 0:
			return models.ComponentDegraded
		}
		return models.ComponentOffline
	})
	t.RegisterComponent("retrieval", "Retrieval Engine", "service", func(ctx context.Context) models.ComponentStatus {
		if c.Retrieval.IndexExists() {
			return models.ComponentHealthy
		}
		return models.ComponentDegraded
	})
	t.RegisterComponent("cache", "Response Cache", "service", func(ctx context.Context) models.ComponentStatus {
		if !c.Cache.Enabled() {
			return models.ComponentOffline
		}
		if err := c.Cache.Ping(ctx); err != nil {
			return models.ComponentUnhealthy
		}
		return models.ComponentHealthy
	})
	t.RegisterComponent("websearch", "Web Search", "service", func(ctx context.Context) models.ComponentStatus {
		if c.Search.Enabled() {
			return models.ComponentHealthy
		}
		return models.ComponentOffline
	})
	t.RegisterComponent("events", "Event Bus", "service", func(ctx context.Context) models.ComponentStatus {
		if c.Bus.Running() {
			return models.ComponentHealthy
		}
		return models.ComponentOffline
	})

	t.Connect("orchestrator", "registry")
	t.Connect("orchestrator", "servers")
	t.Connect("orchestrator", "retrieval")
	t.Connect("orchestrator", "cache")
	t.Connect("orchestrator", "websearch")
	t.Connect("orchestrator", "events")
	t.Connect("servers", "registry")
}
