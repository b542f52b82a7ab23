package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nervemesh/nerve/internal/breaker"
	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/digest"
	"github.com/nervemesh/nerve/internal/forward"
	"github.com/nervemesh/nerve/internal/metrics"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/probe"
	"github.com/nervemesh/nerve/internal/rag"
	"github.com/nervemesh/nerve/internal/registry"
	"github.com/nervemesh/nerve/internal/requestlog"
	"github.com/nervemesh/nerve/internal/routing"
	"github.com/nervemesh/nerve/internal/state"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, UNAUTHENTICATED, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func unauthenticated(msg string) *ServiceError {
	return &ServiceError{Code: "UNAUTHENTICATED", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// --- ControlPlaneService ---

// ControlPlaneService provides all control plane operations.
// Handlers call its methods; business logic lives here, not in handlers.
type ControlPlaneService struct {
	Engine     *state.StateEngine
	Registry   *registry.Registry
	Breaker    *breaker.Breaker
	Forwarder  *forward.Forwarder
	Prober     *probe.Prober
	Digests    *digest.Builder
	Policy     *routing.Policy
	Retriever  *rag.Retriever
	Sessions   routing.Store
	Locker     *routing.Locker
	Collector  *metrics.Collector
	RequestLog *requestlog.Service
	Actions    *ActionRegistry
	RuntimeCfg *atomic.Pointer[config.RuntimeConfig]
	EnvCfg     *config.EnvConfig

	// LocalNode is this daemon's own capability snapshot from the manifest.
	LocalNode *model.CapabilitySnapshot

	configMu      sync.Mutex
	configVersion int
}

// ------------------------------------------------------------------
// System Config
// ------------------------------------------------------------------

// runtimeConfigAllowedFields is the set of JSON field names that can be patched.
var runtimeConfigAllowedFields = map[string]bool{
	"nodes":                       true,
	"breaker":                     true,
	"vectorization":               true,
	"vector":                      true,
	"rag":                         true,
	"orchestration_model":         true,
	"chat_model":                  true,
	"history_window":              true,
	"request_log_enabled":         true,
	"cache_flush_interval":        true,
	"cache_flush_dirty_threshold": true,
}

var nodePatchAllowedFields = map[string]bool{
	"name":        true,
	"base_url":    true,
	"description": true,
	"status":      true,
	"weight":      true,
	"domains":     true,
	"keywords":    true,
}

func parseRuntimeConfigPatch(patchJSON json.RawMessage, out *config.RuntimeConfig) *ServiceError {
	var rawPatch map[string]json.RawMessage
	if err := json.Unmarshal(patchJSON, &rawPatch); err != nil {
		return invalidArg("invalid JSON: " + err.Error())
	}
	if len(rawPatch) == 0 {
		return invalidArg("empty patch")
	}
	for key, raw := range rawPatch {
		if !runtimeConfigAllowedFields[key] {
			return invalidArg(fmt.Sprintf("unknown or read-only field: %q", key))
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return invalidArg(fmt.Sprintf("null value not allowed for field: %q", key))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(patchJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidArg("validation failed: " + err.Error())
	}
	return nil
}

func copyRuntimeConfig(cfg *config.RuntimeConfig) *config.RuntimeConfig {
	if cfg == nil {
		return config.NewDefaultRuntimeConfig()
	}
	out := *cfg
	out.Vector.PayloadIndexFields = append([]string(nil), cfg.Vector.PayloadIndexFields...)
	return &out
}

// PatchRuntimeConfig applies a constrained partial patch to the runtime config.
// This is not RFC 7396 JSON Merge Patch: patch must be a non-empty object and
// null values are rejected.
// Pipeline: validate → persist → atomic swap.
func (s *ControlPlaneService) PatchRuntimeConfig(patchJSON json.RawMessage) (*config.RuntimeConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	newCfg := copyRuntimeConfig(s.RuntimeCfg.Load())
	if verr := parseRuntimeConfigPatch(patchJSON, newCfg); verr != nil {
		return nil, verr
	}

	if err := newCfg.Validate(); err != nil {
		return nil, invalidArg(err.Error())
	}

	// On process start, initialize local configVersion from persisted state
	// so PATCH keeps monotonically increasing versions across restarts.
	if s.configVersion == 0 && s.Engine != nil {
		_, persistedVersion, err := s.Engine.GetSystemConfig()
		if err != nil {
			return nil, internal("load persisted config version", err)
		}
		if persistedVersion > s.configVersion {
			s.configVersion = persistedVersion
		}
	}

	newVersion := s.configVersion + 1
	if err := s.Engine.SaveSystemConfig(newCfg, newVersion, time.Now().UnixNano()); err != nil {
		return nil, internal("persist config", err)
	}

	s.RuntimeCfg.Store(newCfg)
	s.configVersion = newVersion

	return newCfg, nil
}
