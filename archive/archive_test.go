package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"waveserver/channel"
	"waveserver/internal/retry"

	"github.com/google/go-cmp/cmp"
)

var testChannel = channel.ID{Station: "STA", Channel: "BHZ", Network: "NET"}

func openTestStore(t *testing.T, pool *BlockPool) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "archive"), StoreOptions{CacheSizeBytes: 1 << 20}, pool)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ramp(n int, from int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = from + int32(i)
	}
	return out
}

func concat(blocks []*Block) []int32 {
	var out []int32
	for _, b := range blocks {
		out = append(out, b.Samples...)
	}
	return out
}

func TestPoolReleaseExactlyOnce(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 2, BlockSamples: 8})
	ctx := context.Background()
	a, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	b, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if pool.InUse() != 2 {
		t.Fatalf("InUse = %d, want 2", pool.InUse())
	}
	a.Release()
	a.Release()
	if pool.InUse() != 1 {
		t.Fatalf("double release changed accounting: InUse = %d", pool.InUse())
	}
	b.Release()
	if pool.InUse() != 0 {
		t.Fatalf("InUse = %d after releasing all", pool.InUse())
	}
	c, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout after release: %v", err)
	}
	if len(c.Samples) != 0 || cap(c.Samples) != 8 {
		t.Fatalf("recycled block not reset: len=%d cap=%d", len(c.Samples), cap(c.Samples))
	}
}

func TestPoolExhaustionEscalates(t *testing.T) {
	var fatal atomic.Int32
	pool := NewBlockPool(PoolOptions{
		Blocks:       1,
		BlockSamples: 4,
		Wait:         time.Millisecond,
		HardCeiling:  20 * time.Millisecond,
		Fatal:        func(string, ...any) { fatal.Add(1) },
	})
	if _, err := pool.Checkout(context.Background()); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	_, err := pool.Checkout(context.Background())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if fatal.Load() != 1 {
		t.Fatalf("fatal hook calls = %d, want 1", fatal.Load())
	}
}

func TestPoolWaitServedByRelease(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 1, BlockSamples: 4, Wait: time.Millisecond, HardCeiling: 5 * time.Second})
	held, _ := pool.Checkout(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		held.Release()
	}()
	b, err := pool.Checkout(context.Background())
	if err != nil || b == nil {
		t.Fatalf("Checkout after wait: %v", err)
	}
}

func TestPoolCheckoutHonorsContext(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 1, BlockSamples: 4, Wait: time.Millisecond, HardCeiling: time.Minute})
	_, _ = pool.Checkout(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Checkout(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestStorePutQuery(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 64, BlockSamples: 100})
	store := openTestStore(t, pool)
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	samples := ramp(1000, -500)
	if err := store.Put(Segment{Channel: testChannel, Start: start, Rate: 10, Samples: samples}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	blocks, err := store.Query(context.Background(), testChannel, start, 100*time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(blocks) != 10 {
		t.Fatalf("blocks = %d, want 10", len(blocks))
	}
	if diff := cmp.Diff(samples, concat(blocks)); diff != "" {
		t.Fatalf("samples mismatch (-want +got):\n%s", diff)
	}
	pool.ReleaseAll(blocks)

	// A window starting mid-block includes the overlapping block.
	blocks, err = store.Query(context.Background(), testChannel, start.Add(15*time.Second), 10*time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(blocks) != 2 || !blocks[0].Start.Equal(start.Add(10*time.Second)) {
		t.Fatalf("mid-block query returned %d blocks starting %v", len(blocks), blocks[0].Start)
	}
	pool.ReleaseAll(blocks)
	if pool.InUse() != 0 {
		t.Fatalf("blocks leaked: %d", pool.InUse())
	}

	other := channel.ID{Station: "STA", Channel: "BHE", Network: "NET"}
	blocks, err = store.Query(context.Background(), other, start, time.Hour)
	if err != nil || len(blocks) != 0 {
		t.Fatalf("unrelated channel query = %d blocks, %v", len(blocks), err)
	}
}

func TestStoreHoldingsAndCleanup(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 16, BlockSamples: 50})
	store := openTestStore(t, pool)
	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	chans := []channel.ID{
		testChannel,
		{Station: "ANMO", Channel: "BHZ", Network: "IU", Location: "00"},
	}
	for i, ch := range chans {
		for d := 0; d < 3; d++ {
			seg := Segment{Channel: ch, Start: day.Add(time.Duration(d) * 24 * time.Hour), Rate: 1, Samples: ramp(100, int32(i))}
			if err := store.Put(seg); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	holdings, err := store.Holdings(context.Background())
	if err != nil {
		t.Fatalf("Holdings: %v", err)
	}
	if len(holdings) != 2 {
		t.Fatalf("holdings = %d, want 2", len(holdings))
	}
	for _, h := range holdings {
		if !h.Earliest.Equal(day) {
			t.Fatalf("%s earliest = %v", h.Channel, h.Earliest)
		}
		if want := day.Add(48*time.Hour + 100*time.Second); !h.Latest.Equal(want) {
			t.Fatalf("%s latest = %v, want %v", h.Channel, h.Latest, want)
		}
		if h.Rate != 1 {
			t.Fatalf("%s rate = %g", h.Channel, h.Rate)
		}
	}

	pruned, err := store.Cleanup(context.Background(), day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}
	holdings, _ = store.Holdings(context.Background())
	for _, h := range holdings {
		if !h.Earliest.Equal(day.Add(24 * time.Hour)) {
			t.Fatalf("%s earliest after cleanup = %v", h.Channel, h.Earliest)
		}
	}
}

func TestStoreKeysSortBeforeEpoch(t *testing.T) {
	early := blockKey(testChannel, time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC))
	late := blockKey(testChannel, time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC))
	if string(early) >= string(late) {
		t.Fatal("pre-epoch key does not sort first")
	}
	if got := keyTime(early); !got.Equal(time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("keyTime = %v", got)
	}
}

type fakeGateway struct {
	calls  atomic.Int32
	failN  int32
	blocks func() []*Block
}

func (f *fakeGateway) Query(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) ([]*Block, error) {
	n := f.calls.Add(1)
	if n <= f.failN {
		return nil, fmt.Errorf("transient %d", n)
	}
	if f.blocks == nil {
		return nil, nil
	}
	return f.blocks(), nil
}

func TestChainRetriesThenFallsBack(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 4, BlockSamples: 4})
	policy := retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	local := &fakeGateway{failN: 10}
	remote := &fakeGateway{blocks: func() []*Block {
		blocks, _ := pool.Fill(context.Background(), testChannel, time.Unix(0, 0), 1, []int32{1, 2, 3, 4, 5})
		return blocks
	}}
	chain := NewChain(policy, Source{Name: "local", Gateway: local}, Source{Name: "remote", Gateway: remote}, Source{Name: "nil"})
	if chain.Len() != 2 {
		t.Fatalf("Len = %d, want 2", chain.Len())
	}
	blocks, err := chain.Query(context.Background(), testChannel, time.Unix(0, 0), time.Minute)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if local.calls.Load() != 2 {
		t.Fatalf("local attempts = %d, want 2", local.calls.Load())
	}
	if got := concat(blocks); len(got) != 5 || len(blocks) != 2 {
		t.Fatalf("remote blocks = %d (%v)", len(blocks), got)
	}
	pool.ReleaseAll(blocks)
}

func TestChainReportsTotalFailure(t *testing.T) {
	policy := retry.Policy{Attempts: 1}
	chain := NewChain(policy, Source{Name: "local", Gateway: &fakeGateway{failN: 1}})
	if _, err := chain.Query(context.Background(), testChannel, time.Unix(0, 0), time.Minute); err == nil {
		t.Fatal("expected error when every source fails")
	}
}

func TestWriterFlushesOnStop(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 16, BlockSamples: 64})
	store := openTestStore(t, pool)
	w := NewWriter(store, WriterOptions{BatchSize: 1000, BatchInterval: time.Hour})
	w.Start()
	start := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seg := Segment{Channel: testChannel, Start: start.Add(time.Duration(i) * 10 * time.Second), Rate: 1, Samples: ramp(10, int32(i*10))}
		if !w.Enqueue(seg) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}
	w.Stop()
	blocks, err := store.Query(context.Background(), testChannel, start, 30*time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer pool.ReleaseAll(blocks)
	if diff := cmp.Diff(ramp(30, 0), concat(blocks)); diff != "" {
		t.Fatalf("persisted samples mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryPacksManySmallSegments(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 16, BlockSamples: 64, Fatal: func(format string, args ...any) {
		t.Errorf("fatal hook: "+format, args...)
	}})
	store := openTestStore(t, pool)
	start := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	var want []int32
	for i := 0; i < 40; i++ {
		samples := ramp(20, int32(i*20))
		want = append(want, samples...)
		if err := store.Put(Segment{Channel: testChannel, Start: start.Add(time.Duration(i) * time.Second), Rate: 20, Samples: samples}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	blocks, err := store.Query(context.Background(), testChannel, start, 40*time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(blocks) != 13 {
		t.Fatalf("blocks = %d, want 13 packed blocks", len(blocks))
	}
	if diff := cmp.Diff(want, concat(blocks)); diff != "" {
		t.Fatalf("samples mismatch (-want +got):\n%s", diff)
	}
	if !blocks[1].Start.Equal(start.Add(64 * time.Second / 20)) {
		t.Fatalf("second block start = %v", blocks[1].Start)
	}
	pool.ReleaseAll(blocks)
}

func TestQueryLargerThanPoolFailsFast(t *testing.T) {
	var fatal atomic.Int32
	pool := NewBlockPool(PoolOptions{Blocks: 4, BlockSamples: 64, HardCeiling: time.Second, Fatal: func(string, ...any) { fatal.Add(1) }})
	store := openTestStore(t, pool)
	start := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		if err := store.Put(Segment{Channel: testChannel, Start: start.Add(time.Duration(i) * time.Second), Rate: 20, Samples: ramp(20, 0)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	began := time.Now()
	blocks, err := store.Query(context.Background(), testChannel, start, 40*time.Second)
	if !errors.Is(err, ErrPoolExhausted) || blocks != nil {
		t.Fatalf("Query = %d blocks, err %v; want ErrPoolExhausted", len(blocks), err)
	}
	if elapsed := time.Since(began); elapsed > 500*time.Millisecond {
		t.Fatalf("Query waited %v before failing", elapsed)
	}
	if fatal.Load() != 0 || pool.InUse() != 0 {
		t.Fatalf("fatal=%d in use=%d", fatal.Load(), pool.InUse())
	}

	if _, err := pool.Fill(context.Background(), testChannel, start, 20, ramp(800, 0)); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Fill err = %v, want ErrPoolExhausted", err)
	}
}

func TestQueryFindsEveryOverlappingEarlierBlock(t *testing.T) {
	pool := NewBlockPool(PoolOptions{Blocks: 8, BlockSamples: 128})
	store := openTestStore(t, pool)
	start := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	// A replayed packet lands inside an already stored run.
	if err := store.Put(Segment{Channel: testChannel, Start: start, Rate: 1, Samples: ramp(100, 0)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(Segment{Channel: testChannel, Start: start.Add(50 * time.Second), Rate: 1, Samples: ramp(20, 1000)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	blocks, err := store.Query(context.Background(), testChannel, start.Add(60*time.Second), 10*time.Second)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer pool.ReleaseAll(blocks)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	if !blocks[0].Start.Equal(start) || len(blocks[0].Samples) != 100 {
		t.Fatalf("first block start=%v len=%d", blocks[0].Start, len(blocks[0].Samples))
	}
	if !blocks[1].Start.Equal(start.Add(50*time.Second)) || blocks[1].Samples[0] != 1000 {
		t.Fatalf("second block start=%v first=%d", blocks[1].Start, blocks[1].Samples[0])
	}
}
