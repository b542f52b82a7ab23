package requestlog

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nervemesh/nerve/internal/model"
)

// Service provides an async request log writer. Emit performs a non-blocking
// channel send (drops on overflow); a background goroutine flushes batches to
// the Repo.
type Service struct {
	repo      *Repo
	queue     chan Entry
	batchSize int
	interval  time.Duration

	dropped atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceConfig configures the request log service.
type ServiceConfig struct {
	Repo          *Repo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService creates a new request log service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 8192
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 1024
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		repo:      cfg.Repo,
		queue:     make(chan Entry, queueSize),
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining entries, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Emit enqueues a log entry, filling in ID and timestamp when absent.
// Non-blocking; drops on overflow.
func (s *Service) Emit(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAtNs == 0 {
		e.CreatedAtNs = time.Now().UnixNano()
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// EmitOutcome is the convenience form used by the forwarder and prober hooks.
func (s *Service) EmitOutcome(slug string, reqType model.RequestType, traceID string, statusCode int, durationMs int64, err error) {
	e := Entry{
		NodeSlug:    slug,
		RequestType: reqType,
		TraceID:     traceID,
		StatusCode:  statusCode,
		DurationMs:  durationMs,
		Status:      model.RequestStatusSuccess,
	}
	if err != nil {
		e.Status = model.RequestStatusFailed
		e.ErrorMessage = err.Error()
	}
	s.Emit(e)
}

// Dropped returns the number of entries lost to queue overflow since start.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

// Repo returns the underlying repository for query access.
func (s *Service) Repo() *Repo {
	return s.repo
}

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []Entry) {
	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(entries []Entry) {
	if n, err := s.repo.InsertBatch(entries); err != nil {
		log.Printf("[requestlog] flush %d entries failed: %v", len(entries), err)
	} else if n > 0 {
		log.Printf("[requestlog] flushed %d entries", n)
	}
}
