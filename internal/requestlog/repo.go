package requestlog

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/state"
)

// maxFieldBytes caps stored payload and response text; longer values are cut
// and flagged truncated.
const maxFieldBytes = 64 * 1024

// Entry is one logged outbound request.
type Entry struct {
	ID           string              `json:"id"`
	CreatedAtNs  int64               `json:"created_at_ns"`
	NodeSlug     string              `json:"node_slug"`
	RequestType  model.RequestType   `json:"request_type"`
	TraceID      string              `json:"trace_id"`
	Payload      string              `json:"payload,omitempty"`
	Response     string              `json:"response,omitempty"`
	StatusCode   int                 `json:"status_code"`
	DurationMs   int64               `json:"duration_ms"`
	Status       model.RequestStatus `json:"status"`
	ErrorMessage string              `json:"error_message,omitempty"`

	PayloadTruncated  bool `json:"payload_truncated,omitempty"`
	ResponseTruncated bool `json:"response_truncated,omitempty"`
}

// Repo manages rolling SQLite databases for request logs. Each DB is named
// node_requests-<unix_ms>.db and lives in logDir.
type Repo struct {
	logDir      string
	maxBytes    int64
	retainCount int

	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo. maxBytes controls when the active DB is rotated;
// retainCount sets how many historical DB files are kept.
func NewRepo(logDir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024 * 1024
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{
		logDir:      logDir,
		maxBytes:    maxBytes,
		retainCount: retainCount,
	}
}

// Open opens (or creates) the active request log database. The most recent
// existing DB is reused as active; a new one is created only when none exists.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("requestlog repo mkdir %s: %w", r.logDir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("requestlog repo open: %w", err)
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		if err := r.openDB(latest); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// InsertBatch inserts a batch of entries in a single transaction. Returns the
// number of rows successfully inserted; individual bad rows are skipped.
func (r *Repo) InsertBatch(entries []Entry) (int, error) {
	if r.activeDB == nil {
		return 0, fmt.Errorf("requestlog repo: no active db")
	}

	if err := r.maybeRotate(); err != nil {
		return 0, fmt.Errorf("requestlog repo rotate: %w", err)
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("requestlog repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO node_requests (
		id, created_at_ns, node_slug, request_type, trace_id,
		payload, response, status_code, duration_ms, status, error_message,
		payload_truncated, response_truncated
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("requestlog repo prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range entries {
		e := &entries[i]
		payload, payloadCut := clip(e.Payload)
		response, responseCut := clip(e.Response)

		_, err := stmt.Exec(
			e.ID, e.CreatedAtNs, e.NodeSlug, string(e.RequestType), e.TraceID,
			payload, response, e.StatusCode, e.DurationMs, string(e.Status), e.ErrorMessage,
			boolToInt(payloadCut || e.PayloadTruncated), boolToInt(responseCut || e.ResponseTruncated),
		)
		if err != nil {
			log.Printf("[requestlog] warning: skip row id=%q insert failed: %v", e.ID, err)
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("requestlog repo commit: %w", err)
	}
	return inserted, nil
}

// ListFilter specifies query filters for listing entries.
type ListFilter struct {
	NodeSlug    string
	RequestType model.RequestType
	Status      model.RequestStatus
	TraceID     string
	StatusCode  *int
	Before      int64 // created_at_ns < Before (0 means no upper bound)
	After       int64 // created_at_ns > After (0 means no lower bound)
	Limit       int
	Offset      int
}

// List queries all retained DBs and returns matching entries ordered by
// created_at_ns DESC.
func (r *Repo) List(f ListFilter) ([]Entry, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	// Fetch limit+offset rows per DB, then globally merge. Entry timestamps
	// can be out of order relative to DB filename time (long-lived requests
	// flushed late), so no early stop by file order.
	fetchLimit := limit + offset
	var results []Entry
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[requestlog] warning: list open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := r.queryEntries(db, f, fetchLimit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[requestlog] warning: list close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[requestlog] warning: list query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAtNs != results[j].CreatedAtNs {
			return results[i].CreatedAtNs > results[j].CreatedAtNs
		}
		return results[i].ID < results[j].ID
	})
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetByID looks up a single entry across all retained DBs.
func (r *Repo) GetByID(id string) (*Entry, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[requestlog] warning: get_by_id open db failed path=%q id=%q: %v", files[i], id, err)
			continue
		}
		row, err := r.queryByID(db, id)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[requestlog] warning: get_by_id close db failed path=%q id=%q: %v", files[i], id, closeErr)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[requestlog] warning: get_by_id query failed path=%q id=%q: %v", files[i], id, err)
		}
		if err == nil && row != nil {
			return row, nil
		}
	}
	return nil, nil
}

// --- internal helpers ---

func (r *Repo) openDB(path string) error {
	db, err := state.OpenDB(path)
	if err != nil {
		return err
	}
	if _, err := db.Exec(CreateDDL); err != nil {
		db.Close()
		return fmt.Errorf("requestlog repo schema %s: %w", path, err)
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("node_requests-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.logDir, name)
	if err := r.openDB(path); err != nil {
		return fmt.Errorf("requestlog rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[requestlog] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil // can't stat; skip rotation check
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

// Maintain enforces the retention cap outside the insert path. Rotation of
// the active DB stays on the insert path; this only prunes historical files,
// so it is safe to run concurrently with the flush goroutine.
func (r *Repo) Maintain() error {
	return r.cleanup()
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	// Keep retainCount most recent files (the active one is always latest).
	if len(files) <= r.retainCount {
		return nil
	}
	toRemove := files[:len(files)-r.retainCount]
	for _, f := range toRemove {
		os.Remove(f)
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		return nil, fmt.Errorf("requestlog list dir %s: %w", r.logDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "node_requests-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.logDir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

const entryColumns = "id, created_at_ns, node_slug, request_type, trace_id, payload, response, status_code, duration_ms, status, error_message, payload_truncated, response_truncated"

func (r *Repo) queryEntries(db *sql.DB, f ListFilter, limit int) ([]Entry, error) {
	var where []string
	var args []any

	if f.NodeSlug != "" {
		where = append(where, "node_slug = ?")
		args = append(args, f.NodeSlug)
	}
	if f.RequestType != "" {
		where = append(where, "request_type = ?")
		args = append(args, string(f.RequestType))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.StatusCode != nil {
		where = append(where, "status_code = ?")
		args = append(args, *f.StatusCode)
	}
	if f.Before > 0 {
		where = append(where, "created_at_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "created_at_ns > ?")
		args = append(args, f.After)
	}

	q := "SELECT " + entryColumns + " FROM node_requests"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			log.Printf("[requestlog] warning: skip malformed row during scan: %v", err)
			continue
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (r *Repo) queryByID(db *sql.DB, id string) (*Entry, error) {
	row := db.QueryRow("SELECT "+entryColumns+" FROM node_requests WHERE id = ?", id)
	e, err := scanEntry(row.Scan)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntry(scan func(...any) error) (Entry, error) {
	var e Entry
	var reqType, status string
	var payloadCut, responseCut int
	err := scan(
		&e.ID, &e.CreatedAtNs, &e.NodeSlug, &reqType, &e.TraceID,
		&e.Payload, &e.Response, &e.StatusCode, &e.DurationMs, &status, &e.ErrorMessage,
		&payloadCut, &responseCut,
	)
	if err != nil {
		return Entry{}, err
	}
	e.RequestType = model.RequestType(reqType)
	e.Status = model.RequestStatus(status)
	e.PayloadTruncated = payloadCut != 0
	e.ResponseTruncated = responseCut != 0
	return e, nil
}

func clip(s string) (string, bool) {
	if len(s) <= maxFieldBytes {
		return s, false
	}
	return s[:maxFieldBytes], true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteFilesSize returns the total size of a SQLite database set: base db
// file plus optional -wal and -shm sidecar files.
func sqliteFilesSize(basePath string) (int64, error) {
	paths := []string{basePath, basePath + "-wal", basePath + "-shm"}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
