package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nervemesh/nerve/internal/service"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Stream    bool   `json:"stream"`
}

// chatStreamChunk is one LDJSON line of a streaming local chat turn. The
// final line carries Done plus the routing metadata of the turn.
type chatStreamChunk struct {
	Response     string `json:"response,omitempty"`
	Done         bool   `json:"done"`
	Error        string `json:"error,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	NodeSlug     string `json:"node_slug,omitempty"`
	FailoverFrom string `json:"failover_from,omitempty"`
	Local        bool   `json:"local,omitempty"`
	Annotation   string `json:"annotation,omitempty"`
}

// HandleChat serves POST /api/v1/chat, the user-facing chat entrypoint. The
// turn is routed by the control plane; stream:true switches the reply to
// line-delimited JSON.
func HandleChat(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		turn := service.ChatTurnRequest{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Message:   req.Message,
		}

		if !req.Stream {
			res, err := cp.ChatTurn(r.Context(), turn)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, res)
			return
		}

		ts, err := cp.ChatTurnStream(r.Context(), turn)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		defer ts.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		for {
			tok, err := ts.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				// Status is already committed; the error travels in-band.
				_ = enc.Encode(chatStreamChunk{Done: true, Error: err.Error()})
				return
			}
			if tok == "" {
				continue
			}
			_ = enc.Encode(chatStreamChunk{Response: tok})
			if flusher != nil {
				flusher.Flush()
			}
		}

		_ = enc.Encode(chatStreamChunk{
			Done:         true,
			SessionID:    ts.SessionID,
			NodeSlug:     ts.NodeSlug,
			FailoverFrom: ts.FailoverFrom,
			Local:        ts.Local,
			Annotation:   ts.Annotation,
		})
		if flusher != nil {
			flusher.Flush()
		}
	}
}
