package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a worker's lifecycle state.
type State int32

const (
	// Idle workers wait for a connection.
	Idle State = iota
	// Assigned workers hold a connection and are waiting for a request.
	Assigned
	// Busy workers are processing a request.
	Busy
	// Retired workers have been removed by the reaper and are exiting.
	Retired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Assigned:
		return "assigned"
	case Busy:
		return "busy"
	case Retired:
		return "retired"
	}
	return "unknown"
}

// Worker owns one connection at a time.
type Worker struct {
	id   int
	pool *Pool
	jobs chan net.Conn

	state        atomic.Int32
	lastActivity atomic.Int64
	dead         atomic.Bool

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
}

// ID returns the worker's pool-unique number.
func (w *Worker) ID() int { return w.id }

// State returns the current state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Touch records activity so the sweep does not treat the worker as stale.
func (w *Worker) Touch() {
	w.lastActivity.Store(w.pool.opts.Now().UnixNano())
}

// LastActivity returns the time of the most recent Touch.
func (w *Worker) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load())
}

// Begin marks the worker Busy for one request.
func (w *Worker) Begin() {
	w.Touch()
	w.state.CompareAndSwap(int32(Assigned), int32(Busy))
}

// End marks the request finished; the connection stays attached.
func (w *Worker) End() {
	w.Touch()
	w.state.CompareAndSwap(int32(Busy), int32(Assigned))
}

// MarkDead flags the attached connection as unusable so the next sweep may
// reclaim the worker even if it is not stale yet.
func (w *Worker) MarkDead() {
	w.dead.Store(true)
}

// Reclaim cancels the handler's context and closes its connection. The
// worker returns to Idle once the handler unwinds.
func (w *Worker) Reclaim() {
	w.mu.Lock()
	conn, cancel := w.conn, w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (w *Worker) attach(conn net.Conn, cancel context.CancelFunc) {
	w.mu.Lock()
	w.conn = conn
	w.cancel = cancel
	w.mu.Unlock()
	w.Touch()
}

func (w *Worker) detach() {
	w.mu.Lock()
	w.conn = nil
	w.cancel = nil
	w.mu.Unlock()
}

func (w *Worker) run() {
	defer w.pool.wg.Done()
	for conn := range w.jobs {
		w.pool.serve(w, conn)
		w.pool.release(w)
	}
}
