package archive

import (
	"context"
	"log"
	"sync"
	"time"

	"waveserver/internal/ratelimit"

	"github.com/dustin/go-humanize"
)

// WriterOptions configures the asynchronous archive writer.
type WriterOptions struct {
	QueueSize       int
	BatchSize       int
	BatchInterval   time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Writer persists live segments to the Store asynchronously with retention.
// The live path never blocks on it: a full queue drops the segment and the
// drop is counted and logged at a throttled rate.
type Writer struct {
	store   *Store
	opts    WriterOptions
	queue   chan Segment
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropLog *ratelimit.Counter
}

// NewWriter returns a writer for store; call Start to begin processing.
func NewWriter(store *Store, opts WriterOptions) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 500 * time.Millisecond
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	return &Writer{
		store:   store,
		opts:    opts,
		queue:   make(chan Segment, opts.QueueSize),
		stop:    make(chan struct{}),
		dropLog: ratelimit.NewCounter(time.Minute),
	}
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	w.wg.Add(2)
	go w.insertLoop()
	go w.cleanupLoop()
}

// Stop flushes queued segments and waits for the loops to exit. It does not
// close the store.
func (w *Writer) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
	})
}

// Enqueue queues a segment without blocking; it reports whether it was accepted.
func (w *Writer) Enqueue(seg Segment) bool {
	if w == nil || len(seg.Samples) == 0 {
		return false
	}
	select {
	case w.queue <- seg:
		return true
	default:
		if total, suppressed, ok := w.dropLog.Inc(); ok {
			log.Printf("archive: writer queue full, dropped segment for %s (drops=%s suppressed=%d)", seg.Channel, humanize.Comma(int64(total)), suppressed)
		}
		return false
	}
}

// Dropped returns the number of segments dropped on a full queue.
func (w *Writer) Dropped() uint64 {
	return w.dropLog.Total()
}

func (w *Writer) insertLoop() {
	defer w.wg.Done()
	batch := make([]Segment, 0, w.opts.BatchSize)
	timer := time.NewTimer(w.opts.BatchInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			for {
				select {
				case seg := <-w.queue:
					batch = append(batch, seg)
				default:
					w.flush(batch)
					return
				}
			}
		case seg := <-w.queue:
			batch = append(batch, seg)
			if len(batch) >= w.opts.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.opts.BatchInterval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(w.opts.BatchInterval)
		}
	}
}

func (w *Writer) flush(batch []Segment) {
	if len(batch) == 0 {
		return
	}
	if err := w.store.PutBatch(batch); err != nil {
		log.Printf("archive: flush %d segments: %v", len(batch), err)
	}
}

func (w *Writer) cleanupLoop() {
	defer w.wg.Done()
	if w.opts.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(w.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.cleanupOnce(time.Now().UTC())
		}
	}
}

func (w *Writer) cleanupOnce(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.CleanupInterval)
	defer cancel()
	pruned, err := w.store.Cleanup(ctx, now.Add(-w.opts.Retention))
	if err != nil {
		log.Printf("archive: cleanup: %v", err)
		return
	}
	if pruned > 0 {
		log.Printf("archive: retention pruned %d channels", pruned)
	}
}
