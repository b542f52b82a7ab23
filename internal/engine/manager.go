package engine

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Manager owns the named engines and resolves which one serves a given
// model. Registration happens during startup; lookups are concurrent.
type Manager struct {
	mu          sync.RWMutex
	engines     map[string]Engine
	defaultName string
	// modelRoutes maps a model name onto an engine name. Models without a
	// route resolve to the default engine.
	modelRoutes map[string]string
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		engines:     make(map[string]Engine),
		modelRoutes: make(map[string]string),
	}
}

// Register adds e under its name. The first registered engine becomes the
// default.
func (m *Manager) Register(e Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.engines[e.Name()]; exists {
		log.Printf("[engine] replacing engine %q", e.Name())
	}
	m.engines[e.Name()] = e
	if m.defaultName == "" {
		m.defaultName = e.Name()
	}
}

// RouteModel pins model to the named engine.
func (m *Manager) RouteModel(model, engineName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelRoutes[model] = engineName
}

// Engine returns the engine registered under name.
func (m *Manager) Engine(name string) (Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return e, nil
}

// Resolve returns the engine serving model: its pinned route if one exists,
// otherwise the default engine.
func (m *Manager) Resolve(model string) (Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name := m.modelRoutes[model]
	if name == "" {
		name = m.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no engines registered", ErrUnknownEngine)
	}
	e, ok := m.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (routed from model %q)", ErrUnknownEngine, name, model)
	}
	return e, nil
}

// Names lists registered engines in stable order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities reports the side capabilities of the named engine.
func (m *Manager) Capabilities(name string) (streaming, embeddings, jsonAnalysis bool, err error) {
	e, err := m.Engine(name)
	if err != nil {
		return false, false, false, err
	}
	_, streaming = AsStreamer(e)
	_, embeddings = AsEmbedder(e)
	_, jsonAnalysis = AsJSONAnalyzer(e)
	return streaming, embeddings, jsonAnalysis, nil
}
