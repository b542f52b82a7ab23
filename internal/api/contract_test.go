package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nervemesh/nerve/internal/breaker"
	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/digest"
	"github.com/nervemesh/nerve/internal/engine"
	"github.com/nervemesh/nerve/internal/metrics"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/rag"
	"github.com/nervemesh/nerve/internal/registry"
	"github.com/nervemesh/nerve/internal/requestlog"
	"github.com/nervemesh/nerve/internal/routing"
	"github.com/nervemesh/nerve/internal/service"
	"github.com/nervemesh/nerve/internal/state"
)

const testAdminToken = "test-admin-token"

// stubEngine answers every prompt with a fixed reply. It does not embed, so
// retrieval fails softly and chat runs without a context block.
type stubEngine struct {
	name   string
	reply  string
	tokens []string
}

func (e *stubEngine) Name() string { return e.name }

func (e *stubEngine) Chat(_ context.Context, _ []engine.Message, _ engine.Options) (engine.Result, error) {
	return engine.Result{Content: e.reply, Model: e.name}, nil
}

func (e *stubEngine) ChatStream(_ context.Context, _ []engine.Message, _ engine.Options) (engine.StreamIterator, error) {
	return &sliceStream{tokens: e.tokens}, nil
}

type sliceStream struct {
	tokens []string
	pos    int
}

func (s *sliceStream) Next() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

func (s *sliceStream) Close() error { return nil }

func newControlPlaneTestServer(t *testing.T) (*Server, *service.ControlPlaneService) {
	return newControlPlaneTestServerWithRepo(t, nil)
}

func newControlPlaneTestServerWithRepo(
	t *testing.T,
	repo *requestlog.Repo,
) (*Server, *service.ControlPlaneService) {
	t.Helper()

	root := t.TempDir()
	stateEngine, closer, err := state.PersistenceBootstrap(
		filepath.Join(root, "state"),
		filepath.Join(root, "cache"),
	)
	if err != nil {
		t.Fatalf("PersistenceBootstrap: %v", err)
	}
	t.Cleanup(func() { _ = closer.Close() })

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	cfg := config.NewDefaultRuntimeConfig()
	// Every turn takes the local path; federation needs live peers.
	cfg.Nodes.Enabled = false
	runtimeCfg.Store(cfg)

	brk := breaker.New(breaker.Config{
		FailureThreshold: func() int { return 2 },
		Cooldown:         func() time.Duration { return time.Minute },
	})
	reg := registry.New(registry.Config{BreakerOpen: brk.Blocked})

	digests, err := digest.New(reg, func() digest.Config {
		return digest.Config{Mode: digest.ModeTemplate, CacheTTL: time.Minute}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(digests.Close)

	sessions, err := routing.NewMemoryStore(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sessions.Close)

	engines := engine.NewManager()
	engines.Register(&stubEngine{
		name:   "stub-model",
		reply:  "local answer",
		tokens: []string{"local ", "answer"},
	})
	retriever := rag.NewRetriever(engines, nil, nil, func() rag.Config {
		return rag.Config{
			EmbeddingModel:  "stub-embed",
			ChatModel:       "stub-model",
			MaxContextItems: 5,
		}
	})

	cp := &service.ControlPlaneService{
		Engine:     stateEngine,
		Registry:   reg,
		Breaker:    brk,
		Digests:    digests,
		Retriever:  retriever,
		Sessions:   sessions,
		Locker:     routing.NewLocker(),
		Collector:  metrics.NewCollector(60),
		Actions:    service.NewActionRegistry(),
		RuntimeCfg: runtimeCfg,
		EnvCfg: &config.EnvConfig{
			RotationGrace:      10 * time.Minute,
			ClockSkewTolerance: 30 * time.Second,
		},
		LocalNode: &model.CapabilitySnapshot{
			Slug:        "hub",
			Name:        "Hub",
			Description: "coordination node",
			Collections: []model.Collection{{Name: "documents", Class: "Document"}},
		},
	}

	systemInfo := service.SystemInfo{
		Version:   "1.0.0-test",
		GitCommit: "abc123",
		BuildTime: "2026-01-01T00:00:00Z",
		NodeSlug:  "hub",
		StartedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	srv := NewServer(0, testAdminToken, systemInfo, runtimeCfg, cp.EnvCfg, cp, 1<<20, repo)
	return srv, cp
}

func doJSONRequest(t *testing.T, srv *Server, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody []byte
	var err error
	if body != nil {
		switch v := body.(type) {
		case []byte:
			reqBody = v
		case string:
			reqBody = []byte(v)
		default:
			reqBody, err = json.Marshal(v)
			if err != nil {
				t.Fatalf("marshal request body: %v", err)
			}
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAdminToken)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSONMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal body: %v body=%q", err, rec.Body.String())
	}
	return m
}

func assertErrorCode(t *testing.T, rec *httptest.ResponseRecorder, code string) {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("unmarshal error response: %v body=%q", err, rec.Body.String())
	}
	if er.Error.Code != code {
		t.Fatalf("error code: got %q, want %q (body=%s)", er.Error.Code, code, rec.Body.String())
	}
}

// --- Auth and surface contract ---

func TestHealthzIsPublic(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/healthz", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAdminSurfaceRequiresBearer(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	assertErrorCode(t, rec, "UNAUTHORIZED")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSystemInfo(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/api/v1/system/info", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["version"] != "1.0.0-test" || body["node_slug"] != "hub" {
		t.Errorf("system info = %v", body)
	}
}

func TestSystemConfigRoundTrip(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/api/v1/system/config", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get config status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["history_window"] == nil {
		t.Fatalf("config missing history_window: %v", body)
	}

	rec = doJSONRequest(t, srv, http.MethodPatch, "/api/v1/system/config",
		map[string]any{"history_window": 7}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", rec.Code, rec.Body.String())
	}
	body = decodeJSONMap(t, rec)
	if body["history_window"] != float64(7) {
		t.Errorf("history_window = %v, want 7", body["history_window"])
	}

	rec = doJSONRequest(t, srv, http.MethodPatch, "/api/v1/system/config",
		map[string]any{"no_such_field": 1}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d body=%s", rec.Code, rec.Body.String())
	}
	assertErrorCode(t, rec, "INVALID_ARGUMENT")
}

func TestSystemEnvConfigHidesSecrets(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/api/v1/system/config/env", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(testAdminToken)) {
		t.Error("env config leaked the admin token")
	}
	body := decodeJSONMap(t, rec)
	if body["secret_rotation_grace"] != "10m0s" {
		t.Errorf("secret_rotation_grace = %v", body["secret_rotation_grace"])
	}
}

func TestDecodeBodyRejectsUnknownFields(t *testing.T) {
	srv, _ := newControlPlaneTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/chat",
		`{"message":"hi","bogus":true}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	assertErrorCode(t, rec, "INVALID_ARGUMENT")
}
