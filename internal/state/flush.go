package state

import (
	"log"
	"sync"
	"time"
)

// CacheFlushWorker drains the dirty sets into cache.db in the background.
// Breaker records and node health churn far faster than they need to hit
// disk, so writes are batched: a flush happens when the dirty count crosses
// the threshold or when the interval since the last write elapses with
// anything pending. Threshold and interval come from closures so
// runtime-config updates apply without restarts.
type CacheFlushWorker struct {
	engine      *StateEngine
	readers     CacheReaders
	thresholdFn func() int
	intervalFn  func() time.Duration
	checkTick   time.Duration

	flushes int

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCacheFlushWorker builds a flush worker. checkTick is how often the
// flush conditions are evaluated, not how often writes happen.
func NewCacheFlushWorker(
	engine *StateEngine,
	readers CacheReaders,
	thresholdFn func() int,
	intervalFn func() time.Duration,
	checkTick time.Duration,
) *CacheFlushWorker {
	if thresholdFn == nil {
		panic("state: NewCacheFlushWorker requires non-nil thresholdFn")
	}
	if intervalFn == nil {
		panic("state: NewCacheFlushWorker requires non-nil intervalFn")
	}
	if checkTick <= 0 {
		panic("state: NewCacheFlushWorker requires positive checkTick")
	}

	return &CacheFlushWorker{
		engine:      engine,
		readers:     readers,
		thresholdFn: thresholdFn,
		intervalFn:  intervalFn,
		checkTick:   checkTick,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *CacheFlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop drains pending marks with a final flush and blocks until the
// goroutine exits. Must run before the DB closes.
func (w *CacheFlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	log.Printf("[state] flush worker stopped after %d flushes", w.flushes)
}

func (w *CacheFlushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkTick)
	defer ticker.Stop()

	lastFlush := time.Now()
	for {
		select {
		case <-w.stopCh:
			// A restart must restore current breaker and health state, not
			// the last periodic write.
			w.doFlush()
			return
		case <-ticker.C:
			if !w.due(lastFlush) {
				continue
			}
			w.doFlush()
			lastFlush = time.Now()
		}
	}
}

// due reports whether the accumulated dirty marks warrant a write.
func (w *CacheFlushWorker) due(lastFlush time.Time) bool {
	dirty := w.engine.DirtyCount()
	if dirty == 0 {
		return false
	}
	return dirty >= w.thresholdFn() || time.Since(lastFlush) >= w.intervalFn()
}

func (w *CacheFlushWorker) doFlush() {
	if err := w.engine.FlushDirtySets(w.readers); err != nil {
		// The engine re-merged the drained marks; the next cycle retries.
		log.Printf("[state] cache flush failed: %v", err)
		return
	}
	w.flushes++
}
