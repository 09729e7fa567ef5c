package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct{ now atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func drain(ctx context.Context, w *Worker, conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAssignBoundedByCeiling(t *testing.T) {
	p := New(Options{MinWorkers: 1, MaxWorkers: 2, AssignBackoff: time.Millisecond, AssignMaxWait: 30 * time.Millisecond}, drain)
	defer p.Stop()

	var clients []net.Conn
	for i := 0; i < 2; i++ {
		srv, cli := net.Pipe()
		clients = append(clients, cli)
		if err := p.Assign(context.Background(), srv); err != nil {
			t.Fatalf("Assign #%d: %v", i, err)
		}
	}
	srv, cli := net.Pipe()
	defer cli.Close()
	defer srv.Close()
	if err := p.Assign(context.Background(), srv); !errors.Is(err, ErrSaturated) {
		t.Fatalf("third Assign = %v, want ErrSaturated", err)
	}
	st := p.Stats()
	if st.Workers != 2 || st.Busy != 2 || st.Rejections != 1 || st.Saturations == 0 {
		t.Fatalf("stats = %+v", st)
	}
	for _, c := range clients {
		c.Close()
	}
}

func TestSaturatedAssignWaitsForRelease(t *testing.T) {
	p := New(Options{MinWorkers: 1, MaxWorkers: 1, AssignBackoff: 10 * time.Millisecond, AssignMaxWait: 2 * time.Second}, drain)
	defer p.Stop()

	srv1, cli1 := net.Pipe()
	if err := p.Assign(context.Background(), srv1); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	time.AfterFunc(50*time.Millisecond, func() { cli1.Close() })

	srv2, cli2 := net.Pipe()
	defer cli2.Close()
	if err := p.Assign(context.Background(), srv2); err != nil {
		t.Fatalf("second Assign after release: %v", err)
	}
	if st := p.Stats(); st.Workers != 1 || st.Assigned != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStaleWorkerReclaimedOnAssign(t *testing.T) {
	clock := newFakeClock()
	p := New(Options{MinWorkers: 1, MaxWorkers: 1, StaleAfter: time.Hour, AssignBackoff: 5 * time.Millisecond, AssignMaxWait: 5 * time.Second, Now: clock.Now}, drain)
	defer p.Stop()

	srv1, cli1 := net.Pipe()
	defer cli1.Close()
	if err := p.Assign(context.Background(), srv1); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	clock.Advance(2 * time.Hour)

	srv2, cli2 := net.Pipe()
	defer cli2.Close()
	if err := p.Assign(context.Background(), srv2); err != nil {
		t.Fatalf("Assign after stale sweep: %v", err)
	}
	if _, err := cli1.Write([]byte("x")); err == nil {
		t.Fatalf("stale connection still open")
	}
	if st := p.Stats(); st.Reclaims != 1 || st.Workers != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPanicReturnsWorkerToIdle(t *testing.T) {
	var calls atomic.Int32
	p := New(Options{MinWorkers: 1, MaxWorkers: 1}, func(ctx context.Context, w *Worker, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		drain(ctx, w, conn)
	})
	defer p.Stop()

	srv, cli := net.Pipe()
	if err := p.Assign(context.Background(), srv); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := cli.Read(buf); err == nil {
		t.Fatalf("panicked connection was not closed")
	}
	waitFor(t, "worker to return to idle", func() bool { return p.Stats().Idle == 1 })
	if st := p.Stats(); st.Panics != 1 || st.Workers != 1 {
		t.Fatalf("stats = %+v", st)
	}

	srv2, cli2 := net.Pipe()
	defer cli2.Close()
	if err := p.Assign(context.Background(), srv2); err != nil {
		t.Fatalf("Assign after panic: %v", err)
	}
}

func TestReaperRetiresIdleAboveFloor(t *testing.T) {
	clock := newFakeClock()
	p := New(Options{MinWorkers: 1, MaxWorkers: 3, IdleRetire: time.Minute, Now: clock.Now}, drain)
	defer p.Stop()

	var clients []net.Conn
	for i := 0; i < 3; i++ {
		srv, cli := net.Pipe()
		if err := p.Assign(context.Background(), srv); err != nil {
			t.Fatalf("Assign #%d: %v", i, err)
		}
		clients = append(clients, cli)
	}
	for _, c := range clients {
		c.Close()
	}
	waitFor(t, "all workers idle", func() bool { return p.Stats().Idle == 3 })

	clock.Advance(10 * time.Minute)
	p.reap()
	st := p.Stats()
	if st.Workers != 1 || st.Retired != 2 {
		t.Fatalf("after reap stats = %+v", st)
	}
}

func TestReaperReclaimsStalledWorker(t *testing.T) {
	clock := newFakeClock()
	p := New(Options{MinWorkers: 1, MaxWorkers: 1, StallAfter: 15 * time.Minute, Now: clock.Now}, func(ctx context.Context, w *Worker, conn net.Conn) {
		w.Begin()
		<-ctx.Done()
	})
	defer p.Stop()

	srv, cli := net.Pipe()
	defer cli.Close()
	if err := p.Assign(context.Background(), srv); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	waitFor(t, "worker busy", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.workers[0].State() == Busy
	})

	clock.Advance(time.Hour)
	p.reap()
	waitFor(t, "stalled worker reclaimed", func() bool { return p.Stats().Idle == 1 })
	if st := p.Stats(); st.Reclaims != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
