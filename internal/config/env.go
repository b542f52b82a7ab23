// Package config handles environment-based configuration loading, the
// hot-updatable runtime config, and the local node manifest.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Session store backends.
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string
	CacheDir string
	LogDir   string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int

	// Identity
	ManifestPath string

	// Auth
	AdminToken         string
	BearerTTL          time.Duration
	RotationGrace      time.Duration
	ClockSkewTolerance time.Duration

	// Engines (OpenAI-compatible)
	EngineBaseURL string
	EngineAPIKey  string
	EngineTimeout time.Duration

	// Vector store
	VectorStoreURL     string
	VectorStoreAPIKey  string
	VectorStoreTimeout time.Duration

	// Background schedules (cron expressions, @every supported)
	PingSweepSchedule      string
	SessionSweepSchedule   string
	LogMaintenanceSchedule string

	// Prober
	ProbeConcurrency int
	ProbeTimeout     time.Duration

	// Sessions
	SessionBackend    string
	SessionTTL        time.Duration
	SessionMaxEntries int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	// Request log
	RequestLogQueueSize           int
	RequestLogQueueFlushBatchSize int
	RequestLogQueueFlushInterval  time.Duration
	RequestLogDBMaxMB             int
	RequestLogDBRetainCount       int

	// Outbound transport
	TransportMaxIdleConns        int
	TransportMaxIdleConnsPerHost int
	TransportIdleConnTimeout     time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("NERVE_STATE_DIR", "/var/lib/nerve")
	cfg.CacheDir = envStr("NERVE_CACHE_DIR", "/var/cache/nerve")
	cfg.LogDir = envStr("NERVE_LOG_DIR", "/var/log/nerve")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("NERVE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("NERVE_PORT", 8470, &errs)
	cfg.APIMaxBodyBytes = envInt("NERVE_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Identity ---
	cfg.ManifestPath = envStr("NERVE_NODE_MANIFEST", "/etc/nerve/node.yaml")

	// --- Auth ---
	adminToken, hasAdminToken := os.LookupEnv("NERVE_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	cfg.BearerTTL = envDuration("NERVE_BEARER_TTL", 5*time.Minute, &errs)
	cfg.RotationGrace = envDuration("NERVE_SECRET_ROTATION_GRACE", 10*time.Minute, &errs)
	cfg.ClockSkewTolerance = envDuration("NERVE_CLOCK_SKEW_TOLERANCE", 30*time.Second, &errs)

	// --- Engines ---
	cfg.EngineBaseURL = strings.TrimRight(envStr("NERVE_ENGINE_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.EngineAPIKey = envStr("NERVE_ENGINE_API_KEY", "")
	cfg.EngineTimeout = envDuration("NERVE_ENGINE_TIMEOUT", 120*time.Second, &errs)

	// --- Vector store ---
	cfg.VectorStoreURL = strings.TrimRight(envStr("NERVE_VECTOR_STORE_URL", "http://127.0.0.1:6333"), "/")
	cfg.VectorStoreAPIKey = envStr("NERVE_VECTOR_STORE_API_KEY", "")
	cfg.VectorStoreTimeout = envDuration("NERVE_VECTOR_STORE_TIMEOUT", 30*time.Second, &errs)

	// --- Schedules ---
	cfg.PingSweepSchedule = envStr("NERVE_PING_SWEEP_SCHEDULE", "@every 1m")
	cfg.SessionSweepSchedule = envStr("NERVE_SESSION_SWEEP_SCHEDULE", "@every 5m")
	cfg.LogMaintenanceSchedule = envStr("NERVE_LOG_MAINTENANCE_SCHEDULE", "@every 10m")

	// --- Prober ---
	cfg.ProbeConcurrency = envInt("NERVE_PROBE_CONCURRENCY", 16, &errs)
	cfg.ProbeTimeout = envDuration("NERVE_PROBE_TIMEOUT", 10*time.Second, &errs)

	// --- Sessions ---
	cfg.SessionBackend = envStr("NERVE_SESSION_BACKEND", SessionBackendMemory)
	cfg.SessionTTL = envDuration("NERVE_SESSION_TTL", 30*time.Minute, &errs)
	cfg.SessionMaxEntries = envInt("NERVE_SESSION_MAX_ENTRIES", 65536, &errs)
	cfg.RedisAddr = envStr("NERVE_REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = envStr("NERVE_REDIS_PASSWORD", "")
	cfg.RedisDB = envInt("NERVE_REDIS_DB", 0, &errs)

	// --- Request log ---
	cfg.RequestLogQueueSize = envInt("NERVE_REQUEST_LOG_QUEUE_SIZE", 8192, &errs)
	cfg.RequestLogQueueFlushBatchSize = envInt("NERVE_REQUEST_LOG_QUEUE_FLUSH_BATCH_SIZE", 1024, &errs)
	cfg.RequestLogQueueFlushInterval = envDuration("NERVE_REQUEST_LOG_QUEUE_FLUSH_INTERVAL", time.Minute, &errs)
	cfg.RequestLogDBMaxMB = envInt("NERVE_REQUEST_LOG_DB_MAX_MB", 256, &errs)
	cfg.RequestLogDBRetainCount = envInt("NERVE_REQUEST_LOG_DB_RETAIN_COUNT", 5, &errs)

	// --- Outbound transport ---
	cfg.TransportMaxIdleConns = envInt("NERVE_TRANSPORT_MAX_IDLE_CONNS", 256, &errs)
	cfg.TransportMaxIdleConnsPerHost = envInt("NERVE_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", 32, &errs)
	cfg.TransportIdleConnTimeout = envDuration("NERVE_TRANSPORT_IDLE_CONN_TIMEOUT", 90*time.Second, &errs)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "NERVE_ADMIN_TOKEN must be defined (can be empty to disable the admin API)")
	} else if IsWeakSecret(cfg.AdminToken) {
		errs = append(errs, "NERVE_ADMIN_TOKEN is too weak; use a longer random value")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "NERVE_LISTEN_ADDRESS must not be empty")
	}

	validatePort("NERVE_PORT", cfg.Port, &errs)
	validatePositive("NERVE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("NERVE_PROBE_CONCURRENCY", cfg.ProbeConcurrency, &errs)
	validatePositive("NERVE_SESSION_MAX_ENTRIES", cfg.SessionMaxEntries, &errs)
	validatePositive("NERVE_REQUEST_LOG_QUEUE_SIZE", cfg.RequestLogQueueSize, &errs)
	validatePositive("NERVE_REQUEST_LOG_QUEUE_FLUSH_BATCH_SIZE", cfg.RequestLogQueueFlushBatchSize, &errs)
	validatePositive("NERVE_REQUEST_LOG_DB_MAX_MB", cfg.RequestLogDBMaxMB, &errs)
	validatePositive("NERVE_REQUEST_LOG_DB_RETAIN_COUNT", cfg.RequestLogDBRetainCount, &errs)
	validatePositive("NERVE_TRANSPORT_MAX_IDLE_CONNS", cfg.TransportMaxIdleConns, &errs)
	validatePositive("NERVE_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", cfg.TransportMaxIdleConnsPerHost, &errs)

	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"NERVE_BEARER_TTL", cfg.BearerTTL},
		{"NERVE_SECRET_ROTATION_GRACE", cfg.RotationGrace},
		{"NERVE_ENGINE_TIMEOUT", cfg.EngineTimeout},
		{"NERVE_VECTOR_STORE_TIMEOUT", cfg.VectorStoreTimeout},
		{"NERVE_PROBE_TIMEOUT", cfg.ProbeTimeout},
		{"NERVE_SESSION_TTL", cfg.SessionTTL},
		{"NERVE_REQUEST_LOG_QUEUE_FLUSH_INTERVAL", cfg.RequestLogQueueFlushInterval},
		{"NERVE_TRANSPORT_IDLE_CONN_TIMEOUT", cfg.TransportIdleConnTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", d.name))
		}
	}
	if cfg.ClockSkewTolerance < 0 {
		errs = append(errs, "NERVE_CLOCK_SKEW_TOLERANCE must not be negative")
	}

	for _, s := range []struct {
		name string
		val  string
	}{
		{"NERVE_PING_SWEEP_SCHEDULE", cfg.PingSweepSchedule},
		{"NERVE_SESSION_SWEEP_SCHEDULE", cfg.SessionSweepSchedule},
		{"NERVE_LOG_MAINTENANCE_SCHEDULE", cfg.LogMaintenanceSchedule},
	} {
		if _, err := cron.ParseStandard(s.val); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid cron expression %q: %v", s.name, s.val, err))
		}
	}

	for _, u := range []struct {
		name string
		val  string
	}{
		{"NERVE_ENGINE_BASE_URL", cfg.EngineBaseURL},
		{"NERVE_VECTOR_STORE_URL", cfg.VectorStoreURL},
	} {
		if parsed, err := url.Parse(u.val); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Sprintf("%s: invalid URL %q", u.name, u.val))
		}
	}

	if cfg.SessionBackend != SessionBackendMemory && cfg.SessionBackend != SessionBackendRedis {
		errs = append(errs, fmt.Sprintf("NERVE_SESSION_BACKEND: invalid value %q (allowed: %s, %s)",
			cfg.SessionBackend, SessionBackendMemory, SessionBackendRedis))
	}
	if cfg.TransportMaxIdleConnsPerHost > cfg.TransportMaxIdleConns {
		errs = append(errs, "NERVE_TRANSPORT_MAX_IDLE_CONNS_PER_HOST must be less than or equal to NERVE_TRANSPORT_MAX_IDLE_CONNS")
	}
	if cfg.RequestLogQueueSize < 2*cfg.RequestLogQueueFlushBatchSize {
		errs = append(errs, "NERVE_REQUEST_LOG_QUEUE_SIZE must be at least 2x NERVE_REQUEST_LOG_QUEUE_FLUSH_BATCH_SIZE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
