package heli

import (
	"math"
	"testing"
	"time"

	"waveserver/wire"

	"github.com/google/go-cmp/cmp"
)

const fill = math.MinInt32

var t0 = time.Unix(1_700_000_000, 0).UTC()

func sine(n int, rate float64) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(1000 * math.Sin(2*math.Pi*0.7*float64(i)/rate))
	}
	return out
}

func testOptions() Options {
	return Options{CacheSeconds: 3600, WarmupSamples: 30, GapSeconds: 2, CutoffHz: 2, Fill: fill}
}

func seconds(points []wire.HeliPoint) []int64 {
	out := make([]int64, len(points))
	for i, p := range points {
		out[i] = p.Second - t0.Unix()
	}
	return out
}

func TestGapRoundTrip(t *testing.T) {
	const rate = 10.0
	data := sine(600, rate)
	for i := 200; i < 250; i++ {
		data[i] = fill
	}
	f := NewFilter(testOptions())
	if f.State() != Cold {
		t.Fatalf("new filter state = %s", f.State())
	}

	a := f.Process(data[:270], t0, rate)
	if f.State() != Cold {
		t.Fatalf("state after gap and 20 samples = %s, want cold", f.State())
	}
	b := f.Process(data[270:], t0.Add(27*time.Second), rate)
	if f.State() != Warm {
		t.Fatalf("state after warm-up = %s, want warm", f.State())
	}

	got := append(seconds(a), seconds(b)...)
	var want []int64
	for s := int64(0); s < 60; s++ {
		if s >= 20 && s < 25 {
			continue
		}
		want = append(want, s)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("emitted seconds (-want +got):\n%s", diff)
	}
}

func TestRepeatedRequestIsIdempotent(t *testing.T) {
	const rate = 20.0
	data := sine(2400, rate)
	f := NewFilter(testOptions())
	first := f.Process(data, t0, rate)
	second := f.Process(data, t0, rate)
	if len(first) != 120 {
		t.Fatalf("points = %d, want 120", len(first))
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second pass differs (-first +second):\n%s", diff)
	}
}

func TestOverlappingPollsShareCache(t *testing.T) {
	const rate = 10.0
	data := sine(900, rate)
	f := NewFilter(testOptions())
	first := f.Process(data[:600], t0, rate)
	second := f.Process(data[300:], t0.Add(30*time.Second), rate)
	if len(first) != 60 || len(second) != 60 {
		t.Fatalf("points = %d, %d", len(first), len(second))
	}
	if diff := cmp.Diff(first[30:], second[:30]); diff != "" {
		t.Fatalf("overlap differs (-first +second):\n%s", diff)
	}
	if last, ok := f.LastEmitted(); !ok || last != t0.Unix()+89 {
		t.Fatalf("last emitted = %d ok=%v", last-t0.Unix(), ok)
	}
}

func TestOldWindowComputedFromScratch(t *testing.T) {
	const rate = 10.0
	opts := testOptions()
	opts.CacheSeconds = 10
	data := sine(1200, rate)
	f := NewFilter(opts)
	f.Process(data, t0, rate)

	got := f.Process(data[:300], t0, rate)
	want := NewFilter(opts).Process(data[:300], t0, rate)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("scratch result (-want +got):\n%s", diff)
	}
	if last, _ := f.LastEmitted(); last != t0.Unix()+119 {
		t.Fatalf("old window moved the stream: last=%d", last-t0.Unix())
	}
}

func TestPointsAlignToWallClockSeconds(t *testing.T) {
	const rate = 10.0
	f := NewFilter(testOptions())
	points := f.Process(sine(100, rate), t0.Add(500*time.Millisecond), rate)
	if len(points) == 0 || points[0].Second != t0.Unix()+1 {
		t.Fatalf("first point second = %v", seconds(points))
	}
	if last := points[len(points)-1].Second; last != t0.Unix()+9 {
		t.Fatalf("last point second = %d", last-t0.Unix())
	}
}

func TestConstantSignalCentersOnZero(t *testing.T) {
	const rate = 40.0
	data := make([]int32, 400)
	for i := range data {
		data[i] = 500
	}
	opts := testOptions()
	opts.Scale = 2
	for _, p := range NewFilter(opts).Process(data, t0, rate) {
		if math.Abs(p.Min) > 1e-6 || math.Abs(p.Max) > 1e-6 {
			t.Fatalf("second %d = (%g, %g), want ~0", p.Second-t0.Unix(), p.Min, p.Max)
		}
	}
}

func TestRateChangeResetsState(t *testing.T) {
	f := NewFilter(testOptions())
	f.Process(sine(600, 10), t0, 10)
	if f.State() != Warm {
		t.Fatalf("state = %s", f.State())
	}
	points := f.Process(sine(200, 20), t0.Add(60*time.Second), 20)
	if len(points) != 10 || f.State() != Warm {
		t.Fatalf("points=%d state=%s", len(points), f.State())
	}
	if _, ok := f.lookup(t0.Unix() + 5); ok {
		t.Fatalf("cache survived a rate change")
	}
}

func TestBackfilledHoleIsRecomputed(t *testing.T) {
	const rate = 10.0
	full := sine(600, rate)
	gapped := append([]int32(nil), full...)
	for i := 200; i < 250; i++ {
		gapped[i] = fill
	}
	f := NewFilter(testOptions())
	first := f.Process(gapped, t0, rate)
	second := f.Process(full, t0, rate)
	want := NewFilter(testOptions()).Process(full, t0, rate)
	if len(first) != 55 || len(second) != 60 || len(want) != 60 {
		t.Fatalf("points = %d, %d, fresh %d", len(first), len(second), len(want))
	}
	if diff := cmp.Diff(seconds(want), seconds(second)); diff != "" {
		t.Fatalf("seconds after backfill (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want[20:25], second[20:25]); diff != "" {
		t.Fatalf("backfilled seconds (-want +got):\n%s", diff)
	}
	if s, ok := f.lookup(t0.Unix() + 22); !ok || s.noData {
		t.Fatalf("backfilled second not cached: %+v ok=%v", s, ok)
	}
	third := f.Process(full, t0, rate)
	if diff := cmp.Diff(second, third); diff != "" {
		t.Fatalf("repeat after backfill differs (-second +third):\n%s", diff)
	}
}

func TestHoleStaysEmptyWithoutNewData(t *testing.T) {
	const rate = 10.0
	data := sine(600, rate)
	for i := 200; i < 250; i++ {
		data[i] = fill
	}
	f := NewFilter(testOptions())
	first := f.Process(data, t0, rate)
	second := f.Process(data, t0, rate)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeat differs (-first +second):\n%s", diff)
	}
	if s, ok := f.lookup(t0.Unix() + 22); !ok || !s.noData {
		t.Fatalf("hole slot = %+v ok=%v", s, ok)
	}
}

func TestNearlyEqualRateKeepsCache(t *testing.T) {
	const rate = 10.0
	data := sine(900, rate)
	f := NewFilter(testOptions())
	first := f.Process(data[:600], t0, rate)
	drifted := math.Nextafter(rate, 11)
	second := f.Process(data[300:], t0.Add(30*time.Second), drifted)
	if diff := cmp.Diff(first[30:], second[:30]); diff != "" {
		t.Fatalf("cache dropped for a rate %v (-first +second):\n%s", drifted, diff)
	}
	if last, ok := f.LastEmitted(); !ok || last != t0.Unix()+89 {
		t.Fatalf("last emitted = %d ok=%v", last-t0.Unix(), ok)
	}
}
