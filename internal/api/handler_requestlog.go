package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/requestlog"
)

// logListItem is one request-log row with the timestamp rendered for humans.
type logListItem struct {
	ID                string `json:"id"`
	Ts                string `json:"ts"`
	NodeSlug          string `json:"node_slug"`
	RequestType       string `json:"request_type"`
	TraceID           string `json:"trace_id"`
	StatusCode        int    `json:"status_code"`
	DurationMs        int64  `json:"duration_ms"`
	Status            string `json:"status"`
	ErrorMessage      string `json:"error_message,omitempty"`
	Payload           string `json:"payload,omitempty"`
	Response          string `json:"response,omitempty"`
	PayloadTruncated  bool   `json:"payload_truncated,omitempty"`
	ResponseTruncated bool   `json:"response_truncated,omitempty"`
}

func toLogListItem(e requestlog.Entry, withBodies bool) logListItem {
	item := logListItem{
		ID:                e.ID,
		Ts:                time.Unix(0, e.CreatedAtNs).UTC().Format(time.RFC3339Nano),
		NodeSlug:          e.NodeSlug,
		RequestType:       string(e.RequestType),
		TraceID:           e.TraceID,
		StatusCode:        e.StatusCode,
		DurationMs:        e.DurationMs,
		Status:            string(e.Status),
		ErrorMessage:      e.ErrorMessage,
		PayloadTruncated:  e.PayloadTruncated,
		ResponseTruncated: e.ResponseTruncated,
	}
	if withBodies {
		item.Payload = e.Payload
		item.Response = e.Response
	}
	return item
}

// logPage is the list envelope. The rolling log databases have no cheap
// total count, so the page carries only what it holds.
type logPage struct {
	Items  []logListItem `json:"items"`
	Count  int           `json:"count"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// HandleListRequestLogs handles GET /api/v1/request-logs.
// Query params: from, to (RFC3339Nano), limit, offset,
// node_slug, request_type, status, trace_id, status_code.
func HandleListRequestLogs(repo *requestlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		f := requestlog.ListFilter{
			NodeSlug:    q.Get("node_slug"),
			RequestType: model.RequestType(q.Get("request_type")),
			TraceID:     q.Get("trace_id"),
			Limit:       pg.Limit,
			Offset:      pg.Offset,
		}

		switch status := q.Get("status"); status {
		case "", string(model.RequestStatusPending), string(model.RequestStatusSuccess), string(model.RequestStatusFailed):
			f.Status = model.RequestStatus(status)
		default:
			writeInvalidArgument(w, "status: must be pending, success or failed")
			return
		}

		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "from: invalid RFC3339 timestamp")
				return
			}
			f.After = t.UnixNano()
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeInvalidArgument(w, "to: invalid RFC3339 timestamp")
				return
			}
			f.Before = t.UnixNano()
		}
		if f.After > 0 && f.Before > 0 && f.After >= f.Before {
			writeInvalidArgument(w, "from: must be before to")
			return
		}

		statusCode, ok := parseBoundedIntQuery(w, r, "status_code", 100, 599, "status_code: must be in [100,599]")
		if !ok {
			return
		}
		f.StatusCode = statusCode

		rows, err := repo.List(f)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}

		items := make([]logListItem, 0, len(rows))
		for _, row := range rows {
			items = append(items, toLogListItem(row, false))
		}

		WriteJSON(w, http.StatusOK, logPage{
			Items:  items,
			Count:  len(items),
			Limit:  pg.Limit,
			Offset: pg.Offset,
		})
	})
}

// HandleGetRequestLog handles GET /api/v1/request-logs/{log_id}. The detail
// view includes the stored payload and response text.
func HandleGetRequestLog(repo *requestlog.Repo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logID := r.PathValue("log_id")
		if logID == "" {
			writeInvalidArgument(w, "log_id: is required")
			return
		}

		row, err := repo.GetByID(logID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		if row == nil {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "not found")
			return
		}

		WriteJSON(w, http.StatusOK, toLogListItem(*row, true))
	})
}

func parseBoundedIntQuery(
	w http.ResponseWriter,
	r *http.Request,
	key string,
	min int,
	max int,
	errMsg string,
) (*int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		writeInvalidArgument(w, errMsg)
		return nil, false
	}
	return &n, true
}
