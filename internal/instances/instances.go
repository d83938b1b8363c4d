// Package instances manages named configuration overlays on base models:
// CRUD with its own persisted document, per-base numbering, a dedicated
// port range, and lifecycle through the server manager.
package instances

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxInstancesPerBase bounds the NN suffix to two digits.
const maxInstancesPerBase = 99

// Lifecycle is the server-manager surface instances need. Instances are
// tracked under their instance id, sharing the manager's keyspace with
// base models; ids embed a ':' which never appears in model ids.
type Lifecycle interface {
	Start(ctx context.Context, key string, model *models.DiscoveredModel, port int) (models.ServerProcess, error)
	Stop(key string, gracefulTimeout time.Duration) error
	IsReady(key string) bool
}

// Manager owns the instance document.
type Manager struct {
	path      string
	registry  *registry.Registry
	lifecycle Lifecycle
	portLo    int
	portHi    int

	mu  sync.Mutex
	doc models.InstanceDocument
}

// New creates a manager persisting to path and allocating ports from
// [portLo, portHi]. An existing document is loaded; a corrupt one is
// rejected and the manager starts empty.
func New(path string, reg *registry.Registry, lifecycle Lifecycle, portLo, portHi int) *Manager {
	m := &Manager{
		path:      path,
		registry:  reg,
		lifecycle: lifecycle,
		portLo:    portLo,
		portHi:    portHi,
		doc: models.InstanceDocument{
			Instances: make(map[string]*models.InstanceConfig),
			PortRange: [2]int{portLo, portHi},
		},
	}
	if err := m.load(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Instance document load failed, starting empty")
	}
	return m
}

// Create validates the base model and allocates the next instance number
// and a free port.
func (m *Manager) Create(baseModelID, displayName, systemPrompt string, webSearch bool) (*models.InstanceConfig, error) {
	base := m.registry.Get(baseModelID)
	if base == nil {
		return nil, fmt.Errorf("base model %s not found in registry", baseModelID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	number, err := m.nextNumberLocked(baseModelID)
	if err != nil {
		return nil, err
	}
	port, err := m.nextPortLocked()
	if err != nil {
		return nil, err
	}

	if displayName == "" {
		displayName = fmt.Sprintf("%s #%d", base.DisplayName(), number)
	}
	inst := &models.InstanceConfig{
		InstanceID:       fmt.Sprintf("%s:%02d", baseModelID, number),
		BaseModelID:      baseModelID,
		InstanceNumber:   number,
		DisplayName:      displayName,
		SystemPrompt:     systemPrompt,
		WebSearchEnabled: webSearch,
		Port:             port,
		Status:           models.InstanceStopped,
		CreatedAt:        time.Now().UTC(),
	}
	m.doc.Instances[inst.InstanceID] = inst

	if err := m.saveLocked(); err != nil {
		delete(m.doc.Instances, inst.InstanceID)
		return nil, err
	}

	log.Info().Str("instance_id", inst.InstanceID).Int("port", port).Msg("Instance created")
	cp := *inst
	return &cp, nil
}

// Get returns a copy of the instance, or nil.
func (m *Manager) Get(instanceID string) *models.InstanceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.doc.Instances[instanceID]
	if !ok {
		return nil
	}
	cp := *inst
	return &cp
}

// List returns copies of all instances ordered by id.
func (m *Manager) List() []*models.InstanceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.InstanceConfig, 0, len(m.doc.Instances))
	for _, inst := range m.doc.Instances {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Update changes the mutable overlay fields of a stopped or running
// instance. Port and numbering are fixed at creation.
func (m *Manager) Update(instanceID, displayName, systemPrompt string, webSearch *bool) (*models.InstanceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.doc.Instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	if displayName != "" {
		inst.DisplayName = displayName
	}
	if systemPrompt != "" {
		inst.SystemPrompt = systemPrompt
	}
	if webSearch != nil {
		inst.WebSearchEnabled = *webSearch
	}
	if err := m.saveLocked(); err != nil {
		return nil, err
	}
	cp := *inst
	return &cp, nil
}

// Start launches the instance's server: the base model's artifact on the
// instance's port, tracked under the instance id.
func (m *Manager) Start(ctx context.Context, instanceID string) (*models.InstanceConfig, error) {
	m.mu.Lock()
	inst, ok := m.doc.Instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	baseID, port := inst.BaseModelID, inst.Port
	inst.Status = models.InstanceStarting
	m.mu.Unlock()

	base := m.registry.Get(baseID)
	if base == nil {
		m.setStatus(instanceID, models.InstanceError)
		return nil, fmt.Errorf("base model %s for instance %s no longer in registry", baseID, instanceID)
	}

	if _, err := m.lifecycle.Start(ctx, instanceID, base, port); err != nil {
		m.setStatus(instanceID, models.InstanceError)
		return nil, fmt.Errorf("start instance %s: %w", instanceID, err)
	}

	m.setStatus(instanceID, models.InstanceActive)
	return m.Get(instanceID), nil
}

// Stop terminates the instance's server.
func (m *Manager) Stop(instanceID string, gracefulTimeout time.Duration) error {
	m.mu.Lock()
	_, ok := m.doc.Instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}

	m.setStatus(instanceID, models.InstanceStopping)
	if err := m.lifecycle.Stop(instanceID, gracefulTimeout); err != nil {
		log.Warn().Err(err).Str("instance_id", instanceID).Msg("Instance server stop reported an error")
	}
	m.setStatus(instanceID, models.InstanceStopped)
	return nil
}

// Delete removes a stopped instance from the document.
func (m *Manager) Delete(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.doc.Instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	if inst.Status != models.InstanceStopped {
		return fmt.Errorf("instance %s is %s; stop it before deleting", instanceID, inst.Status)
	}
	delete(m.doc.Instances, instanceID)
	if err := m.saveLocked(); err != nil {
		m.doc.Instances[instanceID] = inst
		return err
	}
	log.Info().Str("instance_id", instanceID).Msg("Instance deleted")
	return nil
}

func (m *Manager) setStatus(instanceID string, status models.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.doc.Instances[instanceID]; ok {
		inst.Status = status
		if err := m.saveLocked(); err != nil {
			log.Warn().Err(err).Str("instance_id", instanceID).Msg("Instance status persist failed")
		}
	}
}

// nextNumberLocked finds the lowest free number in [1,99] for the base.
func (m *Manager) nextNumberLocked(baseModelID string) (int, error) {
	used := make(map[int]bool)
	for _, inst := range m.doc.Instances {
		if inst.BaseModelID == baseModelID {
			used[inst.InstanceNumber] = true
		}
	}
	for n := 1; n <= maxInstancesPerBase; n++ {
		if !used[n] {
			return n, nil
		}
	}
	return 0, fmt.Errorf("all %d instance numbers for %s are taken", maxInstancesPerBase, baseModelID)
}

// nextPortLocked finds the lowest free port in the instance range.
func (m *Manager) nextPortLocked() (int, error) {
	used := make(map[int]bool)
	for _, inst := range m.doc.Instances {
		used[inst.Port] = true
	}
	for p := m.portLo; p <= m.portHi; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("instance port range [%d,%d] exhausted", m.portLo, m.portHi)
}

// ── Persistence ──────────────────────────────────────────────

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc models.InstanceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse instance document: %w", err)
	}
	if doc.Instances == nil {
		doc.Instances = make(map[string]*models.InstanceConfig)
	}
	for id, inst := range doc.Instances {
		if inst == nil || inst.InstanceID != id || !strings.Contains(id, ":") {
			return fmt.Errorf("instance document rejected: bad entry %q", id)
		}
		// Servers do not survive a restart.
		inst.Status = models.InstanceStopped
	}

	m.doc = doc
	log.Info().Int("instances", len(doc.Instances)).Msg("Instance document loaded")
	return nil
}

// saveLocked writes the document atomically. Caller must hold m.mu.
func (m *Manager) saveLocked() error {
	m.doc.PortRange = [2]int{m.portLo, m.portHi}
	data, err := json.MarshalIndent(&m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance document: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create instance dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".instances-*.json")
	if err != nil {
		return fmt.Errorf("create temp instance file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write instance document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp instance file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename instance document into place: %w", err)
	}
	return nil
}

// ParseInstanceID splits "<model_id>:NN" into its parts.
func ParseInstanceID(instanceID string) (baseModelID string, number int, err error) {
	idx := strings.LastIndex(instanceID, ":")
	if idx <= 0 || idx == len(instanceID)-1 {
		return "", 0, fmt.Errorf("malformed instance id %q", instanceID)
	}
	number, err = strconv.Atoi(instanceID[idx+1:])
	if err != nil || number < 1 || number > maxInstancesPerBase {
		return "", 0, fmt.Errorf("malformed instance number in %q", instanceID)
	}
	return instanceID[:idx], number, nil
}
