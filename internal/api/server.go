package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/requestlog"
	"github.com/nervemesh/nerve/internal/service"
)

// Server wraps the HTTP server and mux for the node daemon API: the admin
// surface under /api/v1 and the peer-facing ai-engine surface under
// /api/ai-engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
// cp may be nil if the control plane is not yet initialized.
func NewServer(
	port int,
	adminToken string,
	systemInfo service.SystemInfo,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	envCfg *config.EnvConfig,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	requestlogRepo *requestlog.Repo,
) *Server {
	return NewServerWithAddress(
		"",
		port,
		adminToken,
		systemInfo,
		runtimeCfg,
		envCfg,
		cp,
		apiMaxBodyBytes,
		requestlogRepo,
	)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	adminToken string,
	systemInfo service.SystemInfo,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	envCfg *config.EnvConfig,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	requestlogRepo *requestlog.Repo,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Admin routes, bearer-authenticated with the admin token.
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(systemInfo))
	authed.Handle("GET /api/v1/system/config", HandleSystemConfig(runtimeCfg))
	authed.Handle("GET /api/v1/system/config/default", HandleSystemDefaultConfig())
	authed.Handle("GET /api/v1/system/config/env", HandleSystemEnvConfig(envCfg))

	if cp != nil {
		// System config mutations.
		authed.Handle("PATCH /api/v1/system/config", HandlePatchSystemConfig(cp))

		// Chat entrypoint.
		authed.Handle("POST /api/v1/chat", HandleChat(cp))

		// Nodes.
		authed.Handle("GET /api/v1/nodes", HandleListNodes(cp))
		authed.Handle("POST /api/v1/nodes", HandleCreateNode(cp))
		authed.Handle("GET /api/v1/nodes/{slug}", HandleGetNode(cp))
		authed.Handle("PATCH /api/v1/nodes/{slug}", HandleUpdateNode(cp))
		authed.Handle("DELETE /api/v1/nodes/{slug}", HandleDeleteNode(cp))
		authed.Handle("POST /api/v1/nodes/{slug}/actions/rotate-secrets", HandleRotateNodeSecrets(cp))
		authed.Handle("POST /api/v1/nodes/{slug}/actions/ping", HandlePingNode(cp))

		// Breakers.
		authed.Handle("GET /api/v1/breakers", HandleListBreakers(cp))
		authed.Handle("GET /api/v1/nodes/{slug}/breaker", HandleGetBreaker(cp))
		authed.Handle("POST /api/v1/nodes/{slug}/actions/reset-breaker", HandleResetBreaker(cp))

		// Digests.
		authed.Handle("GET /api/v1/digest", HandleFullDigest(cp))
		authed.Handle("GET /api/v1/nodes/{slug}/digest", HandleGetNodeDigest(cp))
		authed.Handle("POST /api/v1/nodes/{slug}/actions/refresh-digest", HandleRefreshNodeDigest(cp))

		// Per-node request metrics.
		authed.Handle("GET /api/v1/metrics/nodes", HandleListNodeMetrics(cp))
		authed.Handle("GET /api/v1/nodes/{slug}/metrics", HandleGetNodeMetrics(cp))

		// Sessions.
		authed.Handle("GET /api/v1/sessions/{session_id}", HandleGetSession(cp))
		authed.Handle("DELETE /api/v1/sessions/{session_id}", HandleDeleteSession(cp))
	}

	// Request log endpoints (always registered if repo is available).
	if requestlogRepo != nil {
		authed.Handle("GET /api/v1/request-logs", HandleListRequestLogs(requestlogRepo))
		authed.Handle("GET /api/v1/request-logs/{log_id}", HandleGetRequestLog(requestlogRepo))
	}

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/v1/", AuthMiddleware(adminToken, limitedAuthed))

	// Peer routes, authenticated with signed node tokens. The token refresh
	// route sits outside the node auth middleware because its bearer is
	// signed with the refresh token, which the handler verifies itself.
	if cp != nil {
		peer := http.NewServeMux()
		peer.Handle("POST /api/ai-engine/chat", HandleEngineChat(cp))
		peer.Handle("POST /api/ai-engine/search", HandleEngineSearch(cp))
		peer.Handle("POST /api/ai-engine/action", HandleEngineAction(cp))
		peer.Handle("GET /api/ai-engine/ping", HandleEnginePing(cp))

		mux.Handle("/api/ai-engine/", RequestBodyLimitMiddleware(apiMaxBodyBytes, NodeAuthMiddleware(cp, peer)))
		mux.Handle("POST /api/ai-engine/token/refresh",
			RequestBodyLimitMiddleware(apiMaxBodyBytes, HandleEngineTokenRefresh(cp)))
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
