// Package requestlog implements the outbound request trace subsystem.
// Entries are written asynchronously to rolling SQLite databases; the core
// request path tolerates loss of these writes.
package requestlog

// CreateDDL defines the schema for request log databases. Each rolling DB
// gets its own node_requests table.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS node_requests (
	id                 TEXT PRIMARY KEY,
	created_at_ns      INTEGER NOT NULL,
	node_slug          TEXT NOT NULL DEFAULT '',
	request_type       TEXT NOT NULL DEFAULT '',
	trace_id           TEXT NOT NULL DEFAULT '',
	payload            TEXT NOT NULL DEFAULT '',
	response           TEXT NOT NULL DEFAULT '',
	status_code        INTEGER NOT NULL DEFAULT 0,
	duration_ms        INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	payload_truncated  INTEGER NOT NULL DEFAULT 0,
	response_truncated INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_node_requests_created_at ON node_requests(created_at_ns);
CREATE INDEX IF NOT EXISTS idx_node_requests_node_slug  ON node_requests(node_slug);
CREATE INDEX IF NOT EXISTS idx_node_requests_type       ON node_requests(request_type);
CREATE INDEX IF NOT EXISTS idx_node_requests_trace_id   ON node_requests(trace_id);
`
