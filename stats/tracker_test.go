package stats

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTrackerCountsConcurrently(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.IncrementCommand("getscnl")
				tr.IncrementOutcome("F")
			}
		}()
	}
	wg.Wait()
	tr.IncrementCommand("MENU")
	tr.IncrementCommand("  ")

	want := map[string]uint64{"GETSCNL": 800, "MENU": 1}
	if diff := cmp.Diff(want, tr.GetCommandCounts()); diff != "" {
		t.Fatalf("command counts (-want +got):\n%s", diff)
	}
	if tr.GetTotal() != 801 {
		t.Fatalf("total = %d", tr.GetTotal())
	}
}

func TestSnapshotLinesSorted(t *testing.T) {
	tr := NewTracker()
	tr.IncrementOutcome("FR")
	tr.IncrementOutcome("F")
	tr.IncrementOutcome("FG")
	tr.IncrementProtocolErrors()
	lines := tr.SnapshotLines()
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[2] != "Outcomes: F=1, FG=1, FR=1" {
		t.Fatalf("outcome line = %q", lines[2])
	}
	if !strings.Contains(lines[1], "(none)") || !strings.Contains(lines[3], "protocol=1") {
		t.Fatalf("lines = %q", lines)
	}
	tr.Reset()
	if tr.GetTotal() != 0 || tr.ProtocolErrors() != 0 || len(tr.GetOutcomeCounts()) != 0 {
		t.Fatalf("reset left counters behind")
	}
}
