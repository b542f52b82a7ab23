package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nervemesh/nerve/internal/nodeauth"
	"github.com/nervemesh/nerve/internal/service"
)

// AuthMiddleware returns an http.Handler that validates the Bearer token
// in the Authorization header against the expected admin token.
// If validation fails, it returns 401 Unauthorized with a JSON error body.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(w, r)
		if !ok {
			return
		}
		if token != adminToken {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
		return "", false
	}
	return auth[len(prefix):], true
}

type contextKey string

const peerSlugKey contextKey = "peer_slug"

// PeerSlug returns the authenticated peer's slug set by NodeAuthMiddleware.
func PeerSlug(r *http.Request) string {
	slug, _ := r.Context().Value(peerSlugKey).(string)
	return slug
}

// NodeAuthMiddleware validates the signed peer bearer on the ai-engine
// surface. The slug is peeked from the unverified payload to select the
// node's secrets (current plus previous inside the rotation grace window),
// then the signature and validity window are checked.
func NodeAuthMiddleware(cp *service.ControlPlaneService, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(w, r)
		if !ok {
			return
		}

		slug, err := nodeauth.PeekSlug(token)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "malformed node token")
			return
		}
		e, ok := cp.Registry.Get(slug)
		if !ok {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown node")
			return
		}

		now := time.Now()
		apiKey, prevAPIKey, rotatedAtNs := e.Secrets()
		secrets := nodeauth.GraceSecrets(apiKey, prevAPIKey, rotatedAtNs, cp.EnvCfg.RotationGrace, now)
		claims, err := nodeauth.Verify(token, secrets, now, cp.EnvCfg.ClockSkewTolerance)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid node token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), peerSlugKey, claims.NodeSlug)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
