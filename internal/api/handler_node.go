package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/nervemesh/nerve/internal/service"
)

func compareNodeSummaries(sortBy string, a, b service.NodeSummary) int {
	order := 0
	switch sortBy {
	case "name":
		order = strings.Compare(a.Name, b.Name)
	case "created_at":
		order = strings.Compare(a.CreatedAt, b.CreatedAt)
	case "status":
		order = strings.Compare(string(a.Status), string(b.Status))
	default:
		order = strings.Compare(a.Slug, b.Slug)
	}
	if order != 0 {
		return order
	}
	return strings.Compare(a.Slug, b.Slug)
}

func sortNodeSummaries(nodes []service.NodeSummary, sorting Sorting) {
	slices.SortStableFunc(nodes, func(a, b service.NodeSummary) int {
		return applySortOrder(compareNodeSummaries(sorting.SortBy, a, b), sorting.SortOrder)
	})
}

// HandleListNodes returns a handler for GET /api/v1/nodes.
func HandleListNodes(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := service.NodeFilters{
			Status:     q.Get("status"),
			Type:       q.Get("type"),
			Collection: q.Get("collection"),
			Keyword:    strings.TrimSpace(q.Get("keyword")),
		}

		nodes, err := cp.ListNodes(filters)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		sorting, ok := parseSortingOrWriteInvalid(w, r, []string{"slug", "name", "created_at", "status"}, "slug", "asc")
		if !ok {
			return
		}
		sortNodeSummaries(nodes, sorting)

		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, nodes, pg)
	}
}

// HandleGetNode returns a handler for GET /api/v1/nodes/{slug}.
func HandleGetNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := cp.GetNode(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, n)
	}
}

// HandleCreateNode returns a handler for POST /api/v1/nodes.
// The response carries the generated api_key and refresh_token exactly once.
func HandleCreateNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params service.CreateNodeParams
		if err := DecodeBody(r, &params); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		created, err := cp.CreateNode(params)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

// HandleUpdateNode returns a handler for PATCH /api/v1/nodes/{slug}.
func HandleUpdateNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		updated, err := cp.UpdateNode(PathParam(r, "slug"), body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

// HandleDeleteNode returns a handler for DELETE /api/v1/nodes/{slug}.
func HandleDeleteNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.DeleteNode(PathParam(r, "slug")); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRotateNodeSecrets returns a handler for
// POST /api/v1/nodes/{slug}/actions/rotate-secrets.
func HandleRotateNodeSecrets(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rotated, err := cp.RotateNodeSecrets(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rotated)
	}
}

// HandlePingNode returns a handler for POST /api/v1/nodes/{slug}/actions/ping.
func HandlePingNode(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := cp.PingNode(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// HandleResetBreaker returns a handler for
// POST /api/v1/nodes/{slug}/actions/reset-breaker.
func HandleResetBreaker(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := cp.ResetBreaker(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleGetBreaker returns a handler for GET /api/v1/nodes/{slug}/breaker.
func HandleGetBreaker(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := cp.GetBreaker(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

// HandleListBreakers returns a handler for GET /api/v1/breakers.
func HandleListBreakers(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.ListBreakers())
	}
}

// HandleGetNodeDigest returns a handler for GET /api/v1/nodes/{slug}/digest.
func HandleGetNodeDigest(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := cp.GetNodeDigest(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

// HandleRefreshNodeDigest returns a handler for
// POST /api/v1/nodes/{slug}/actions/refresh-digest.
func HandleRefreshNodeDigest(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := cp.RefreshNodeDigest(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}

// HandleFullDigest returns a handler for GET /api/v1/digest.
func HandleFullDigest(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetFullDigest())
	}
}

// HandleGetNodeMetrics returns a handler for GET /api/v1/nodes/{slug}/metrics.
func HandleGetNodeMetrics(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := cp.GetNodeMetrics(PathParam(r, "slug"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// HandleListNodeMetrics returns a handler for GET /api/v1/metrics/nodes.
func HandleListNodeMetrics(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.ListNodeMetrics())
	}
}
