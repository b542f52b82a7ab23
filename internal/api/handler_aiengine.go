package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nervemesh/nerve/internal/nodeclient"
	"github.com/nervemesh/nerve/internal/service"
)

// engineChatRequest is the peer chat body, the wire shape the node client
// sends plus the stream switch.
type engineChatRequest struct {
	nodeclient.ChatRequest
	Stream bool `json:"stream"`
}

// HandleEngineChat serves POST /api/ai-engine/chat for authenticated peers.
// The reply is always generated locally; peers do their own routing.
func HandleEngineChat(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engineChatRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		if !req.Stream {
			res, err := cp.LocalChat(r.Context(), req.Message, req.Options.UserID, req.Options.Collections)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, nodeclient.ChatResponse{
				Response: res.Response,
				Metadata: localChatMetadata(cp, res.Annotation, len(res.Sources)),
			})
			return
		}

		rs, err := cp.LocalChatStream(r.Context(), req.Message, req.Options.UserID, req.Options.Collections)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		defer rs.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		for {
			tok, err := rs.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				// In-band: the 200 is already on the wire.
				return
			}
			if tok == "" {
				continue
			}
			_ = enc.Encode(nodeclient.StreamChunk{Response: tok})
			if flusher != nil {
				flusher.Flush()
			}
		}
		_ = enc.Encode(nodeclient.StreamChunk{Done: true})
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func localChatMetadata(cp *service.ControlPlaneService, annotation string, sources int) map[string]any {
	md := map[string]any{"sources": sources}
	if cp.LocalNode != nil {
		md["node"] = cp.LocalNode.Slug
	}
	if annotation != "" {
		md["annotation"] = annotation
	}
	return md
}

// HandleEngineSearch serves POST /api/ai-engine/search.
func HandleEngineSearch(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeclient.SearchRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		hits, err := cp.LocalSearch(r.Context(), req.Query, req.Collections, req.Limit, req.Filters)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		results := make([]nodeclient.SearchResult, 0, len(hits))
		for _, h := range hits {
			results = append(results, nodeclient.SearchResult{
				ID:       h.ID,
				Content:  h.Content,
				Score:    h.Score,
				Metadata: h.Metadata,
			})
		}
		WriteJSON(w, http.StatusOK, nodeclient.SearchResponse{Results: results})
	}
}

// HandleEngineAction serves POST /api/ai-engine/action. Handler failures
// travel in the reply body; only unknown actions surface as HTTP errors.
func HandleEngineAction(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeclient.ActionRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		outcome, err := cp.InvokeAction(r.Context(), req.ActionID, req.Params)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, outcome)
	}
}

// HandleEnginePing serves GET /api/ai-engine/ping with the local capability
// snapshot.
func HandleEnginePing(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.LocalSnapshot())
	}
}

// HandleEngineTokenRefresh serves POST /api/ai-engine/token/refresh. The
// caller authenticates with the refresh token itself, so this route is not
// behind the node token middleware.
func HandleEngineTokenRefresh(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeclient.RefreshRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		rotated, err := cp.RefreshNodeSecrets(req.RefreshToken)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, nodeclient.RefreshResponse{
			APIKey:       rotated.APIKey,
			RefreshToken: rotated.RefreshToken,
		})
	}
}
