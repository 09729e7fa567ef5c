// Package stats tracks per-command and per-outcome request counters for the
// STATUS command and the periodic console summary.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waveserver_requests_total",
		Help: "Requests handled, by command.",
	}, []string{"command"})
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waveserver_request_outcomes_total",
		Help: "Data request classifications (F, FR, FL, FG, FN).",
	}, []string{"code"})
	bytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waveserver_response_bytes_total",
		Help: "Bytes written to clients.",
	})
)

// Tracker counts requests. Increments are lock-free so the hot path never
// contends on a mutex.
type Tracker struct {
	commandCounts sync.Map // string -> *atomic.Uint64
	outcomeCounts sync.Map // string -> *atomic.Uint64
	start         atomic.Int64
	connections   atomic.Uint64
	protocolErrs  atomic.Uint64
	archiveErrs   atomic.Uint64
	bytesOut      atomic.Uint64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementCommand counts one request for command (MENU, GETSCNL, ...).
func (t *Tracker) IncrementCommand(command string) {
	command = strings.ToUpper(strings.TrimSpace(command))
	if incrementCounter(&t.commandCounts, command) {
		requestsTotal.WithLabelValues(command).Inc()
	}
}

// IncrementOutcome counts one classified data response by wire code.
func (t *Tracker) IncrementOutcome(code string) {
	if incrementCounter(&t.outcomeCounts, code) {
		outcomesTotal.WithLabelValues(code).Inc()
	}
}

// IncrementConnections counts an accepted connection.
func (t *Tracker) IncrementConnections() {
	t.connections.Add(1)
}

// IncrementProtocolErrors counts a request answered with an error line.
func (t *Tracker) IncrementProtocolErrors() {
	t.protocolErrs.Add(1)
}

// IncrementArchiveErrors counts a request degraded by an archive failure.
func (t *Tracker) IncrementArchiveErrors() {
	t.archiveErrs.Add(1)
}

// AddBytes records bytes written to a client.
func (t *Tracker) AddBytes(n int) {
	if n <= 0 {
		return
	}
	t.bytesOut.Add(uint64(n))
	bytesTotal.Add(float64(n))
}

// GetCommandCounts returns a copy of command counts
func (t *Tracker) GetCommandCounts() map[string]uint64 {
	return copyCounts(&t.commandCounts)
}

// GetOutcomeCounts returns a copy of outcome counts
func (t *Tracker) GetOutcomeCounts() map[string]uint64 {
	return copyCounts(&t.outcomeCounts)
}

// GetTotal returns the total request count across all commands.
func (t *Tracker) GetTotal() uint64 {
	var total uint64
	t.commandCounts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Connections returns the number of accepted connections.
func (t *Tracker) Connections() uint64 { return t.connections.Load() }

// ProtocolErrors returns the number of error lines sent.
func (t *Tracker) ProtocolErrors() uint64 { return t.protocolErrs.Load() }

// ArchiveErrors returns the number of archive-degraded responses.
func (t *Tracker) ArchiveErrors() uint64 { return t.archiveErrs.Load() }

// BytesOut returns the bytes written to clients.
func (t *Tracker) BytesOut() uint64 { return t.bytesOut.Load() }

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.commandCounts, &t.outcomeCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.connections.Store(0)
	t.protocolErrs.Store(0)
	t.archiveErrs.Store(0)
	t.bytesOut.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	return []string{
		fmt.Sprintf("Uptime: %s, connections=%s, requests=%s, sent=%s",
			t.GetUptime().Round(time.Second), humanize.Comma(int64(t.Connections())),
			humanize.Comma(int64(t.GetTotal())), humanize.Bytes(t.BytesOut())),
		formatMapCounts("Requests by command", &t.commandCounts),
		formatMapCounts("Outcomes", &t.outcomeCounts),
		fmt.Sprintf("Errors: protocol=%d archive=%d", t.ProtocolErrors(), t.ArchiveErrors()),
	}
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// formatMapCounts renders counters sorted by key so STATUS output is stable.
func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", k, snapshot[k])
	}
	if len(keys) == 0 {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return true
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return true
	}
	counter.Add(1)
	return true
}
