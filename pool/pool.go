// Package pool runs connection handlers on a bounded set of reusable workers.
//
// Purpose:
//   - Turn accepted connections into concurrent request processing without
//     letting a connection storm create unbounded goroutines.
//
// Key aspects:
//   - A floor of workers is started up front; more are created on demand up to
//     the ceiling and retired by the reaper once idle for long enough.
//   - When every worker is taken, Assign sweeps for stale or dead workers and
//     reclaims the least recently active one before falling back to a bounded
//     backoff wait. A saturation counter and throttled log make the pressure
//     visible.
//   - A panicking handler only loses its own connection; the worker logs the
//     stack, closes the socket and goes back to Idle.
package pool

import (
	"context"
	"errors"
	"log"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"waveserver/internal/ratelimit"
	"waveserver/internal/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrSaturated is returned by Assign when no worker freed up within the
	// configured wait.
	ErrSaturated = errors.New("pool: saturated")
	// ErrStopped is returned by Assign after Stop.
	ErrStopped = errors.New("pool: stopped")
)

var (
	workersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveserver_pool_workers",
		Help: "Workers currently allocated.",
	})
	busyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveserver_pool_busy_workers",
		Help: "Workers currently holding a connection.",
	})
	saturationTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waveserver_pool_saturation_total",
		Help: "Assign calls that found every worker taken.",
	})
	rejectionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waveserver_pool_rejections_total",
		Help: "Connections rejected after the saturation wait expired.",
	})
	reclaimTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waveserver_pool_reclaims_total",
		Help: "Workers forcibly reclaimed, by reason.",
	}, []string{"reason"})
	panicTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waveserver_pool_panics_total",
		Help: "Handler panics recovered by workers.",
	})
)

// Handler serves one connection. ctx is canceled when the worker is
// reclaimed or the pool stops; the connection is closed by the pool after
// the handler returns.
type Handler func(ctx context.Context, w *Worker, conn net.Conn)

// Options configures a Pool. Zero values take defaults.
type Options struct {
	MinWorkers int
	MaxWorkers int
	// StaleAfter is the inactivity after which Assign may reclaim a worker.
	StaleAfter time.Duration
	// StallAfter is how long a worker may stay Busy on one request before
	// the reaper reclaims it.
	StallAfter time.Duration
	// IdleRetire is how long a worker above the floor may sit Idle.
	IdleRetire    time.Duration
	SweepInterval time.Duration
	AssignBackoff time.Duration
	AssignMaxWait time.Duration
	Now           func() time.Time
}

func (o Options) normalized() Options {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 4
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = time.Hour
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 15 * time.Minute
	}
	if o.IdleRetire <= 0 {
		o.IdleRetire = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.AssignBackoff <= 0 {
		o.AssignBackoff = 50 * time.Millisecond
	}
	if o.AssignMaxWait <= 0 {
		o.AssignMaxWait = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers     int
	Idle        int
	Busy        int
	Min         int
	Max         int
	Assigned    uint64
	Saturations uint64
	Rejections  uint64
	Reclaims    uint64
	Panics      uint64
	Retired     uint64
}

// Pool dispatches connections to workers.
type Pool struct {
	opts    Options
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers []*Worker
	nextID  int
	stopped bool

	// idle is signaled (non-blocking) whenever a worker returns to Idle.
	idle chan struct{}

	assigned    atomic.Uint64
	saturations *ratelimit.Counter
	rejections  atomic.Uint64
	reclaims    atomic.Uint64
	panics      atomic.Uint64
	retired     atomic.Uint64

	reaperOnce sync.Once
	stopOnce   sync.Once
}

// New allocates the floor of workers. Call Start to run the reaper.
func New(opts Options, handler Handler) *Pool {
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:        opts,
		handler:     handler,
		ctx:         ctx,
		cancel:      cancel,
		idle:        make(chan struct{}, 1),
		saturations: ratelimit.NewCounter(10 * time.Second),
	}
	p.mu.Lock()
	for i := 0; i < opts.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

// Start runs the reaper until ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.reaperOnce.Do(func() {
		p.wg.Add(1)
		go p.reaper(ctx)
	})
}

// Stop cancels every in-flight handler, waits for workers to exit and
// rejects further assignments.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		workers := append([]*Worker(nil), p.workers...)
		p.workers = nil
		p.mu.Unlock()
		p.cancel()
		for _, w := range workers {
			w.Reclaim()
			close(w.jobs)
		}
		p.wg.Wait()
		workersGauge.Set(0)
		busyGauge.Set(0)
	})
}

// Assign hands conn to a worker. It only fails with ErrSaturated (after the
// bounded wait), ErrStopped or ctx's error; in every failure case the caller
// still owns conn.
func (p *Pool) Assign(ctx context.Context, conn net.Conn) error {
	deadline := p.opts.Now().Add(p.opts.AssignMaxWait)
	backoff := retry.NewBackoff(p.opts.AssignBackoff, 8*p.opts.AssignBackoff)
	swept := false
	for {
		ok, err := p.acquire(conn)
		if err != nil {
			return err
		}
		if ok {
			p.assigned.Add(1)
			return nil
		}
		if !swept {
			swept = true
			if p.sweep() {
				continue
			}
		}
		total, suppressed, ok := p.saturations.Inc()
		saturationTotal.Inc()
		if ok {
			log.Printf("pool: saturated at %d workers (total=%d suppressed=%d)", p.opts.MaxWorkers, total, suppressed)
		}
		wait := backoff.Next()
		remaining := deadline.Sub(p.opts.Now())
		if remaining <= 0 {
			p.rejections.Add(1)
			rejectionTotal.Inc()
			return ErrSaturated
		}
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.ctx.Done():
			timer.Stop()
			return ErrStopped
		case <-p.idle:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// acquire hands conn to an Idle worker, growing the pool if needed. It
// reports false when the ceiling is reached and nothing is Idle. The send
// happens under the lock so Stop never closes a job channel mid-handoff.
func (p *Pool) acquire(conn net.Conn) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false, ErrStopped
	}
	var w *Worker
	for _, cand := range p.workers {
		if cand.state.CompareAndSwap(int32(Idle), int32(Assigned)) {
			w = cand
			break
		}
	}
	if w == nil && len(p.workers) < p.opts.MaxWorkers {
		w = p.spawnLocked()
		w.state.Store(int32(Assigned))
	}
	if w == nil {
		return false, nil
	}
	w.Touch()
	busyGauge.Inc()
	w.jobs <- conn
	return true, nil
}

// sweep reclaims the least recently active worker among those that are
// stale or whose connection is already closed. It reports whether one was
// reclaimed.
func (p *Pool) sweep() bool {
	now := p.opts.Now()
	p.mu.Lock()
	var victim *Worker
	var reason string
	for _, w := range p.workers {
		if w.State() == Idle {
			continue
		}
		r := ""
		switch {
		case w.dead.Load():
			r = "dead"
		case now.Sub(w.LastActivity()) > p.opts.StaleAfter:
			r = "stale"
		default:
			continue
		}
		if victim == nil || w.LastActivity().Before(victim.LastActivity()) {
			victim, reason = w, r
		}
	}
	p.mu.Unlock()
	if victim == nil {
		return false
	}
	p.reclaim(victim, reason)
	return true
}

func (p *Pool) reclaim(w *Worker, reason string) {
	log.Printf("pool: reclaiming worker %d (%s, idle %s)", w.id, reason, p.opts.Now().Sub(w.LastActivity()).Round(time.Second))
	p.reclaims.Add(1)
	reclaimTotal.WithLabelValues(reason).Inc()
	w.Reclaim()
}

func (p *Pool) reaper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap reclaims stalled workers and retires idle ones above the floor.
func (p *Pool) reap() {
	now := p.opts.Now()
	var stalled []*Worker
	var retire []*Worker
	p.mu.Lock()
	keep := p.workers[:0]
	for _, w := range p.workers {
		switch w.State() {
		case Busy:
			if now.Sub(w.LastActivity()) > p.opts.StallAfter {
				stalled = append(stalled, w)
			}
		case Assigned:
			if w.dead.Load() || now.Sub(w.LastActivity()) > p.opts.StaleAfter {
				stalled = append(stalled, w)
			}
		case Idle:
			over := len(p.workers)-len(retire) > p.opts.MinWorkers
			if over && now.Sub(w.LastActivity()) > p.opts.IdleRetire &&
				w.state.CompareAndSwap(int32(Idle), int32(Retired)) {
				retire = append(retire, w)
				continue
			}
		}
		keep = append(keep, w)
	}
	for i := len(keep); i < len(p.workers); i++ {
		p.workers[i] = nil
	}
	p.workers = keep
	workersGauge.Set(float64(len(p.workers)))
	p.mu.Unlock()

	for _, w := range retire {
		close(w.jobs)
		p.retired.Add(1)
	}
	for _, w := range stalled {
		p.reclaim(w, "stalled")
	}
}

// Stats returns counters and the current worker mix.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Workers:     len(p.workers),
		Min:         p.opts.MinWorkers,
		Max:         p.opts.MaxWorkers,
		Assigned:    p.assigned.Load(),
		Saturations: p.saturations.Total(),
		Rejections:  p.rejections.Load(),
		Reclaims:    p.reclaims.Load(),
		Panics:      p.panics.Load(),
		Retired:     p.retired.Load(),
	}
	for _, w := range p.workers {
		if w.State() == Idle {
			st.Idle++
		} else {
			st.Busy++
		}
	}
	return st
}

func (p *Pool) spawnLocked() *Worker {
	p.nextID++
	w := &Worker{id: p.nextID, pool: p, jobs: make(chan net.Conn, 1)}
	w.Touch()
	p.workers = append(p.workers, w)
	workersGauge.Set(float64(len(p.workers)))
	p.wg.Add(1)
	go w.run()
	return w
}

func (p *Pool) release(w *Worker) {
	w.dead.Store(false)
	w.Touch()
	if w.state.CompareAndSwap(int32(Assigned), int32(Idle)) || w.state.CompareAndSwap(int32(Busy), int32(Idle)) {
		busyGauge.Dec()
	}
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

// serve runs the handler for one connection, converting a panic into a
// closed connection.
func (p *Pool) serve(w *Worker, conn net.Conn) {
	ctx, cancel := context.WithCancel(p.ctx)
	w.attach(conn, cancel)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			panicTotal.Inc()
			log.Printf("pool: worker %d panic serving %s: %v\n%s", w.id, remoteAddr(conn), r, debug.Stack())
		}
		cancel()
		_ = conn.Close()
		w.detach()
	}()
	p.handler(ctx, w, conn)
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	return conn.RemoteAddr().String()
}
