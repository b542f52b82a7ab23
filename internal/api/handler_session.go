package api

import (
	"net/http"

	"github.com/nervemesh/nerve/internal/service"
)

// HandleGetSession returns a handler for GET /api/v1/sessions/{session_id}.
func HandleGetSession(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := cp.GetSession(r.Context(), PathParam(r, "session_id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

// HandleDeleteSession returns a handler for DELETE /api/v1/sessions/{session_id}.
func HandleDeleteSession(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteSession(r.Context(), PathParam(r, "session_id")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
