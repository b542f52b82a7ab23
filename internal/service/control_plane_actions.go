package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ActionKind tags a family of action handlers.
type ActionKind string

const (
	ActionKindCollector ActionKind = "collector"
	ActionKindWorkflow  ActionKind = "workflow"
	ActionKindAPI       ActionKind = "api"
)

// ActionHandler serves a family of action IDs. Handlers are consulted in
// priority order; the first Match wins.
type ActionHandler interface {
	Kind() ActionKind
	Match(actionID string) bool
	Handle(ctx context.Context, actionID string, params json.RawMessage) (json.RawMessage, error)
}

// ActionRegistry dispatches inbound action invocations to registered
// handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers []registeredHandler
}

type registeredHandler struct {
	priority int
	handler  ActionHandler
}

// NewActionRegistry returns an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{}
}

// Register adds a handler. Lower priority values are consulted first;
// handlers with equal priority keep registration order.
func (r *ActionRegistry) Register(priority int, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, registeredHandler{priority: priority, handler: h})
	sort.SliceStable(r.handlers, func(i, j int) bool {
		return r.handlers[i].priority < r.handlers[j].priority
	})
}

// Resolve returns the first handler matching actionID.
func (r *ActionRegistry) Resolve(actionID string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rh := range r.handlers {
		if rh.handler.Match(actionID) {
			return rh.handler, true
		}
	}
	return nil, false
}

// ActionOutcome is the served action reply.
type ActionOutcome struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// InvokeAction dispatches one action invocation. Unknown actions are a
// caller error, not a transient failure.
func (s *ControlPlaneService) InvokeAction(ctx context.Context, actionID string, params json.RawMessage) (*ActionOutcome, error) {
	if actionID == "" {
		return nil, invalidArg("action_id: is required")
	}
	if s.Actions == nil {
		return nil, notFound("unknown action: " + actionID)
	}
	h, ok := s.Actions.Resolve(actionID)
	if !ok {
		return nil, notFound("unknown action: " + actionID)
	}
	data, err := h.Handle(ctx, actionID, params)
	if err != nil {
		return &ActionOutcome{Status: "error", Data: errorData(err)}, nil
	}
	return &ActionOutcome{Status: "ok", Data: data}, nil
}

func errorData(err error) json.RawMessage {
	data, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return nil
	}
	return data
}

// CollectorActionHandler runs manifest-declared autonomous collectors by
// name. The run function is injected at wiring time.
type CollectorActionHandler struct {
	Names map[string]bool
	Run   func(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)
}

func (h *CollectorActionHandler) Kind() ActionKind { return ActionKindCollector }

func (h *CollectorActionHandler) Match(actionID string) bool {
	return h.Names[actionID]
}

func (h *CollectorActionHandler) Handle(ctx context.Context, actionID string, params json.RawMessage) (json.RawMessage, error) {
	return h.Run(ctx, actionID, params)
}

// APIActionHandler serves daemon-provided actions such as document
// vectorization.
type APIActionHandler struct {
	Names map[string]bool
	Run   func(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error)
}

func (h *APIActionHandler) Kind() ActionKind { return ActionKindAPI }

func (h *APIActionHandler) Match(actionID string) bool {
	return h.Names[actionID]
}

func (h *APIActionHandler) Handle(ctx context.Context, actionID string, params json.RawMessage) (json.RawMessage, error) {
	return h.Run(ctx, actionID, params)
}
