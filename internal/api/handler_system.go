package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/service"
)

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleSystemConfig returns a handler for GET /api/v1/system/config.
func HandleSystemConfig(runtimeCfg *atomic.Pointer[config.RuntimeConfig]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runtimeCfg == nil {
			WriteJSON(w, http.StatusOK, nil)
			return
		}
		WriteJSON(w, http.StatusOK, runtimeCfg.Load())
	}
}

// HandleSystemDefaultConfig returns a handler for GET /api/v1/system/config/default.
func HandleSystemDefaultConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, config.NewDefaultRuntimeConfig())
	}
}

// envConfigView is the admin projection of EnvConfig. Secrets are reported
// as set/unset, never echoed.
type envConfigView struct {
	StateDir string `json:"state_dir"`
	CacheDir string `json:"cache_dir"`
	LogDir   string `json:"log_dir"`

	ListenAddress   string `json:"listen_address"`
	Port            int    `json:"port"`
	APIMaxBodyBytes int    `json:"api_max_body_bytes"`

	ManifestPath string `json:"manifest_path"`

	AdminTokenSet      bool   `json:"admin_token_set"`
	BearerTTL          string `json:"bearer_ttl"`
	RotationGrace      string `json:"secret_rotation_grace"`
	ClockSkewTolerance string `json:"clock_skew_tolerance"`

	EngineBaseURL   string `json:"engine_base_url"`
	EngineAPIKeySet bool   `json:"engine_api_key_set"`
	EngineTimeout   string `json:"engine_timeout"`

	VectorStoreURL       string `json:"vector_store_url"`
	VectorStoreAPIKeySet bool   `json:"vector_store_api_key_set"`
	VectorStoreTimeout   string `json:"vector_store_timeout"`

	PingSweepSchedule      string `json:"ping_sweep_schedule"`
	SessionSweepSchedule   string `json:"session_sweep_schedule"`
	LogMaintenanceSchedule string `json:"log_maintenance_schedule"`

	ProbeConcurrency int    `json:"probe_concurrency"`
	ProbeTimeout     string `json:"probe_timeout"`

	SessionBackend    string `json:"session_backend"`
	SessionTTL        string `json:"session_ttl"`
	SessionMaxEntries int    `json:"session_max_entries"`
	RedisAddr         string `json:"redis_addr,omitempty"`

	RequestLogQueueSize     int `json:"request_log_queue_size"`
	RequestLogDBMaxMB       int `json:"request_log_db_max_mb"`
	RequestLogDBRetainCount int `json:"request_log_db_retain_count"`
}

func fmtDuration(d time.Duration) string { return d.String() }

// HandleSystemEnvConfig returns a handler for GET /api/v1/system/config/env.
func HandleSystemEnvConfig(envCfg *config.EnvConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if envCfg == nil {
			WriteJSON(w, http.StatusOK, nil)
			return
		}
		WriteJSON(w, http.StatusOK, envConfigView{
			StateDir:               envCfg.StateDir,
			CacheDir:               envCfg.CacheDir,
			LogDir:                 envCfg.LogDir,
			ListenAddress:          envCfg.ListenAddress,
			Port:                   envCfg.Port,
			APIMaxBodyBytes:        envCfg.APIMaxBodyBytes,
			ManifestPath:           envCfg.ManifestPath,
			AdminTokenSet:          envCfg.AdminToken != "",
			BearerTTL:              fmtDuration(envCfg.BearerTTL),
			RotationGrace:          fmtDuration(envCfg.RotationGrace),
			ClockSkewTolerance:     fmtDuration(envCfg.ClockSkewTolerance),
			EngineBaseURL:          envCfg.EngineBaseURL,
			EngineAPIKeySet:        envCfg.EngineAPIKey != "",
			EngineTimeout:          fmtDuration(envCfg.EngineTimeout),
			VectorStoreURL:         envCfg.VectorStoreURL,
			VectorStoreAPIKeySet:   envCfg.VectorStoreAPIKey != "",
			VectorStoreTimeout:     fmtDuration(envCfg.VectorStoreTimeout),
			PingSweepSchedule:      envCfg.PingSweepSchedule,
			SessionSweepSchedule:   envCfg.SessionSweepSchedule,
			LogMaintenanceSchedule: envCfg.LogMaintenanceSchedule,
			ProbeConcurrency:       envCfg.ProbeConcurrency,
			ProbeTimeout:           fmtDuration(envCfg.ProbeTimeout),
			SessionBackend:         envCfg.SessionBackend,
			SessionTTL:             fmtDuration(envCfg.SessionTTL),
			SessionMaxEntries:      envCfg.SessionMaxEntries,
			RedisAddr:              envCfg.RedisAddr,
			RequestLogQueueSize:    envCfg.RequestLogQueueSize,
			RequestLogDBMaxMB:      envCfg.RequestLogDBMaxMB,
			RequestLogDBRetainCount: envCfg.RequestLogDBRetainCount,
		})
	}
}

// HandlePatchSystemConfig returns a handler for PATCH /api/v1/system/config.
func HandlePatchSystemConfig(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		result, err := cp.PatchRuntimeConfig(body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
