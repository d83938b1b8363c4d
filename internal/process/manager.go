// Package process supervises llama-server subprocesses: launch with
// composed arguments, readiness detection by stderr scraping, log
// streaming to the event bus, graceful-then-forceful shutdown, and an
// external mode that probes servers managed out of band.
package process

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/events"
	"github.com/conclave-ai/conclave/internal/llama"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// server is the tracked state for one supervised inference server.
type server struct {
	modelID  string
	port     int
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	client   *llama.Client
	external bool
	exited   chan struct{}

	mu        sync.Mutex
	status    models.ServerStatus
	ready     bool
	pid       int
	startedAt time.Time
	lastError string
}

func (s *server) snapshot() models.ServerProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ServerProcess{
		ModelID:    s.modelID,
		Port:       s.port,
		PID:        s.pid,
		Status:     s.status,
		IsReady:    s.ready,
		IsExternal: s.external,
		StartedAt:  s.startedAt,
		Error:      s.lastError,
	}
}

func (s *server) setStatus(status models.ServerStatus, ready bool) {
	s.mu.Lock()
	s.status = status
	s.ready = ready
	s.mu.Unlock()
}

// Manager supervises one inference server per tracking key. The key is
// the model id for registry models and "<model_id>:NN" for instances.
type Manager struct {
	cfg config.ServersConfig
	bus *events.Bus

	mu      sync.Mutex
	servers map[string]*server
}

// NewManager creates a server manager publishing lifecycle events to bus.
func NewManager(cfg config.ServersConfig, bus *events.Bus) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		servers: make(map[string]*server),
	}
}

// Start launches (or, in external mode, probes) the inference server for
// the model under the given tracking key. Starting an already tracked key
// returns the existing snapshot.
func (m *Manager) Start(ctx context.Context, key string, model *models.DiscoveredModel, port int) (models.ServerProcess, error) {
	if port == 0 {
		return models.ServerProcess{}, &ErrNoPort{ModelID: model.ModelID}
	}

	m.mu.Lock()
	if existing, ok := m.servers[key]; ok {
		m.mu.Unlock()
		return existing.snapshot(), nil
	}
	srv := &server{
		modelID:   model.ModelID,
		port:      port,
		status:    models.ServerStarting,
		startedAt: time.Now().UTC(),
		external:  m.cfg.External,
	}
	m.servers[key] = srv
	m.mu.Unlock()

	var err error
	if m.cfg.External {
		err = m.probeExternal(ctx, key, srv)
	} else {
		err = m.launch(ctx, key, srv, model, port)
	}
	if err != nil {
		m.remove(key)
		return models.ServerProcess{}, err
	}
	return srv.snapshot(), nil
}

// launch spawns the llama-server binary and waits for readiness.
func (m *Manager) launch(ctx context.Context, key string, srv *server, model *models.DiscoveredModel, port int) error {
	binary, err := exec.LookPath(m.cfg.BinaryPath)
	if err != nil {
		return fmt.Errorf("inference binary %q not found: %w", m.cfg.BinaryPath, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binary, buildArgs(m.cfg, model, port)...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", m.cfg.BinaryPath, err)
	}

	srv.mu.Lock()
	srv.cmd = cmd
	srv.cancel = cancel
	srv.pid = cmd.Process.Pid
	srv.mu.Unlock()

	m.publishState(key, srv, "starting")
	log.Info().
		Str("model_id", srv.modelID).
		Int("pid", cmd.Process.Pid).
		Int("port", port).
		Msg("Inference server launched")

	readyCh := make(chan struct{}, 1)
	criticalCh := make(chan string, 1)
	tail := newStderrTail(20)

	// Stream stderr: classify each line for startup signals, tag it with
	// a coarse level, and push it onto the event bus.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			m.streamLogLine(key, srv, line)
			switch classifyStartupLine(line) {
			case verdictReady:
				select {
				case readyCh <- struct{}{}:
				default:
				}
			case verdictCritical:
				select {
				case criticalCh <- line:
				default:
				}
			}
		}
	}()

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	select {
	case <-readyCh:
		srv.setStatus(models.ServerActive, true)
		m.publishState(key, srv, "ready")
		log.Info().Str("model_id", srv.modelID).Int("port", port).Msg("Inference server ready")

	case line := <-criticalCh:
		cancel()
		<-exitCh
		srv.setStatus(models.ServerError, false)
		m.publishState(key, srv, "failed")
		return fmt.Errorf("server for %s failed during startup: %s\nstderr tail:\n%s",
			srv.modelID, line, tail.String())

	case err := <-exitCh:
		srv.setStatus(models.ServerError, false)
		m.publishState(key, srv, "failed")
		return fmt.Errorf("server for %s exited during startup (%v)\nstderr tail:\n%s",
			srv.modelID, err, tail.String())

	case <-time.After(m.cfg.MaxStartupTime):
		// No clear signal but the process is alive. Optimistically mark
		// ready; the health loop will catch a genuinely broken server.
		srv.setStatus(models.ServerActive, true)
		m.publishState(key, srv, "ready")
		log.Warn().
			Str("model_id", srv.modelID).
			Dur("budget", m.cfg.MaxStartupTime).
			Msg("No readiness signal within startup budget, optimistically marking ready")

	case <-ctx.Done():
		cancel()
		<-exitCh
		return ctx.Err()
	}

	srv.mu.Lock()
	srv.client = llama.NewClient(port)
	srv.mu.Unlock()

	exited := make(chan struct{})
	srv.mu.Lock()
	srv.exited = exited
	srv.mu.Unlock()

	// Exit watcher: an exit after startup moves the server to STOPPED and
	// raises an error event unless a stop was requested.
	go func() {
		err := <-exitCh
		defer close(exited)
		srv.mu.Lock()
		unexpected := srv.status == models.ServerActive
		srv.status = models.ServerStopped
		srv.ready = false
		if unexpected && err != nil {
			srv.lastError = err.Error()
		}
		srv.mu.Unlock()
		m.remove(key)
		if unexpected {
			log.Error().Err(err).Str("model_id", srv.modelID).Msg("Inference server exited unexpectedly")
			m.bus.Publish(models.NewEvent(models.EventError, models.SeverityError,
				fmt.Sprintf("Inference server for %s exited unexpectedly", srv.modelID),
				map[string]interface{}{"model_id": srv.modelID, "port": srv.port}))
		}
	}()

	return nil
}

// probeExternal checks the health endpoint of an out-of-band server.
func (m *Manager) probeExternal(ctx context.Context, key string, srv *server) error {
	client := llama.NewClientURL(fmt.Sprintf("http://%s:%d", m.cfg.BridgeHost, srv.port))
	res := client.Health(ctx)
	if res.Status != models.HealthOK {
		return fmt.Errorf("external server for %s on port %d not healthy: %s",
			srv.modelID, srv.port, res.Status)
	}

	srv.mu.Lock()
	srv.client = client
	srv.status = models.ServerActive
	srv.ready = true
	srv.external = true
	srv.mu.Unlock()

	m.publishState(key, srv, "ready")
	log.Info().Str("model_id", srv.modelID).Int("port", srv.port).Msg("Attached to external inference server")
	return nil
}

// StartAll fans out Start over the models concurrently and returns the
// snapshots that started successfully. Individual failures are logged,
// not propagated.
func (m *Manager) StartAll(ctx context.Context, modelsToStart []*models.DiscoveredModel) []models.ServerProcess {
	if m.cfg.External && m.cfg.HostAgentURL != "" {
		m.requestHostLaunch(ctx, modelsToStart)
	}

	var (
		mu      sync.Mutex
		started []models.ServerProcess
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, model := range modelsToStart {
		model := model
		g.Go(func() error {
			proc, err := m.Start(gctx, model.ModelID, model, model.Port)
			if err != nil {
				log.Warn().Err(err).Str("model_id", model.ModelID).Msg("Server failed to start")
				return nil
			}
			mu.Lock()
			started = append(started, proc)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	log.Info().
		Int("requested", len(modelsToStart)).
		Int("started", len(started)).
		Msg("Server fan-out complete")
	return started
}

// requestHostLaunch asks the companion host agent to launch the set, then
// waits a fixed grace period before the per-server probes run.
func (m *Manager) requestHostLaunch(ctx context.Context, modelsToStart []*models.DiscoveredModel) {
	ids := make([]string, len(modelsToStart))
	for i, model := range modelsToStart {
		ids[i] = model.ModelID
	}
	body, _ := json.Marshal(map[string]interface{}{"models": ids})

	req, err := http.NewRequestWithContext(ctx, "POST", m.cfg.HostAgentURL+"/launch", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Msg("Host agent request could not be built")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Host agent launch request failed, probing anyway")
		return
	}
	resp.Body.Close()

	log.Info().Int("models", len(ids)).Msg("Host agent launch requested, waiting grace period")
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
}

// Stop terminates the server under key: graceful signal, wait up to
// gracefulTimeout, then force-kill. External servers are only untracked.
func (m *Manager) Stop(key string, gracefulTimeout time.Duration) error {
	m.mu.Lock()
	srv, ok := m.servers[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no tracked server for %s", key)
	}
	delete(m.servers, key)
	m.mu.Unlock()

	if srv.external {
		srv.setStatus(models.ServerStopped, false)
		log.Warn().Str("model_id", srv.modelID).Msg("External server untracked; the host agent owns its lifecycle")
		return nil
	}

	srv.setStatus(models.ServerStopping, false)
	m.publishState(key, srv, "stopping")
	log.Info().Str("model_id", srv.modelID).Int("pid", srv.pid).Msg("Stopping inference server")

	srv.mu.Lock()
	cmd, cancel, exited := srv.cmd, srv.cancel, srv.exited
	srv.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		if exited != nil {
			select {
			case <-exited:
			case <-time.After(gracefulTimeout):
				_ = cmd.Process.Kill()
				<-exited
			}
		}
	}
	if cancel != nil {
		cancel()
	}

	srv.setStatus(models.ServerStopped, false)
	m.publishState(key, srv, "stopped")
	return nil
}

// StopAll stops every tracked server concurrently.
func (m *Manager) StopAll(gracefulTimeout time.Duration) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.servers))
	for key := range m.servers {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := m.Stop(key, gracefulTimeout); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Server stop failed")
			}
			return nil
		})
	}
	g.Wait()
}

// StatusSummary reports totals and per-server snapshots.
func (m *Manager) StatusSummary() models.ServerSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := models.ServerSummary{Servers: make([]models.ServerProcess, 0, len(m.servers))}
	for _, srv := range m.servers {
		snap := srv.snapshot()
		summary.Total++
		if snap.IsReady {
			summary.Ready++
		}
		if snap.IsExternal {
			summary.External++
		}
		summary.Servers = append(summary.Servers, snap)
	}
	return summary
}

// Client returns the inference client for a tracked, ready server.
func (m *Manager) Client(key string) (*llama.Client, error) {
	m.mu.Lock()
	srv, ok := m.servers[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no tracked server for %s", key)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !srv.ready || srv.client == nil {
		return nil, fmt.Errorf("server for %s is not ready", key)
	}
	return srv.client, nil
}

// IsReady reports whether the server under key is tracked and ready.
func (m *Manager) IsReady(key string) bool {
	m.mu.Lock()
	srv, ok := m.servers[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	snap := srv.snapshot()
	return snap.IsReady
}

// ReadyKeys lists tracking keys with a ready server.
func (m *Manager) ReadyKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key, srv := range m.servers {
		if srv.snapshot().IsReady {
			out = append(out, key)
		}
	}
	return out
}

// Health probes the tracked server's health endpoint.
func (m *Manager) Health(ctx context.Context, key string) models.HealthResult {
	client, err := m.Client(key)
	if err != nil {
		return models.HealthResult{Status: models.HealthUnreachable}
	}
	return client.Health(ctx)
}

func (m *Manager) remove(key string) {
	m.mu.Lock()
	delete(m.servers, key)
	m.mu.Unlock()
}

// streamLogLine pushes one server log line onto the event bus tagged with
// its coarse level, model id, and port.
func (m *Manager) streamLogLine(key string, srv *server, line string) {
	m.bus.Publish(models.NewEvent(models.EventLog, classifyLogLevel(line), line,
		map[string]interface{}{
			"model_id": srv.modelID,
			"key":      key,
			"port":     srv.port,
		}))
}

func (m *Manager) publishState(key string, srv *server, state string) {
	snap := srv.snapshot()
	m.bus.Publish(models.NewEvent(models.EventModelState, models.SeverityInfo,
		fmt.Sprintf("Server %s is %s", srv.modelID, state),
		map[string]interface{}{
			"model_id": srv.modelID,
			"key":      key,
			"port":     snap.Port,
			"status":   string(snap.Status),
		}))
}
