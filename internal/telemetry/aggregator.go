package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Aggregator folds in the connection snapshots its caller receives from
// the fleet-wide telemetry subject (via Ingest; it does not subscribe
// itself) and maintains a staleness-filtered snapshot, per spec §4.7: entries older
// than snapshotFreshness are dropped wholesale, and any individual
// connection not refreshed within connRecency is treated as gone.
// Connection-ended events are not required for correctness — stale
// entries simply decay out.
type Aggregator struct {
	snapshotFreshness time.Duration
	connRecency       time.Duration

	mu    sync.Mutex
	byKey map[string]aggEntry

	activeConnections prometheus.Gauge
	bytesSentTotal     prometheus.Gauge
	bytesRecvTotal     prometheus.Gauge
}

type aggEntry struct {
	snapshot  ConnectionSnapshot
	updatedAt time.Time
}

// NewAggregator registers its gauges with reg (pass
// prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests).
func NewAggregator(reg prometheus.Registerer, snapshotFreshness, connRecency time.Duration) *Aggregator {
	a := &Aggregator{
		snapshotFreshness: snapshotFreshness,
		connRecency:       connRecency,
		byKey:             make(map[string]aggEntry),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_active_connections",
			Help: "Connections observed fresh within the aggregator's recency window.",
		}),
		bytesSentTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_bytes_sent_total",
			Help: "Sum of bytes sent across all fresh tracked connections.",
		}),
		bytesRecvTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_bytes_received_total",
			Help: "Sum of bytes received across all fresh tracked connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(a.activeConnections, a.bytesSentTotal, a.bytesRecvTotal)
	}
	return a
}

// Ingest folds in one connection's snapshot, as received from the
// pub/sub subscription, at arrival time now.
func (a *Aggregator) Ingest(snapshot ConnectionSnapshot, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byKey[snapshot.Key.Session] = aggEntry{snapshot: snapshot, updatedAt: now}
	a.recomputeLocked(now)
}

// Sweep re-evaluates staleness without a new observation; call it on
// its own ticker so gauges decay even when no traffic arrives.
func (a *Aggregator) Sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recomputeLocked(now)
}

func (a *Aggregator) recomputeLocked(now time.Time) {
	var active int
	var sent, recv uint64
	for key, entry := range a.byKey {
		if now.Sub(entry.updatedAt) > a.snapshotFreshness {
			delete(a.byKey, key)
			continue
		}
		if now.Sub(entry.updatedAt) > a.connRecency {
			continue // stale for recency purposes, but kept until freshness expires it
		}
		active++
		sent += entry.snapshot.BytesSent
		recv += entry.snapshot.BytesRecv
	}
	a.activeConnections.Set(float64(active))
	a.bytesSentTotal.Set(float64(sent))
	a.bytesRecvTotal.Set(float64(recv))
}

// ActiveCount reports the current fresh-and-recent connection count,
// primarily for tests.
func (a *Aggregator) ActiveCount(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recomputeLocked(now)
	count := 0
	for _, entry := range a.byKey {
		if now.Sub(entry.updatedAt) <= a.connRecency {
			count++
		}
	}
	return count
}
