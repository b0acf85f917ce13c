// Package telemetry implements spec §4.7's process-wide connection
// tracker: it ingests lifecycle/throughput events, periodically
// publishes a per-connection snapshot to a pub/sub subject, and
// exposes an aggregated, staleness-filtered view as Prometheus gauges.
//
// Grounded on the teacher's RunMetrics ticker goroutine
// (server/metrics.go), generalized from a single log line into a
// structured event sink plus exporter.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectionKey identifies one tracked connection's place in the
// fleet. A structured key rather than an underscore-joined string, per
// SPEC_FULL's resolution of spec §9 Open Question (b).
type ConnectionKey struct {
	Region   string
	Service  string
	Instance string
	Session  string
}

// ConnectionSnapshot is one connection's current totals, the payload
// of a SERVER_CONNECTION_PACKET (spec §4.7).
type ConnectionSnapshot struct {
	Key        ConnectionKey
	UserID     string
	RoomID     string
	Protocol   string
	BytesSent  uint64
	BytesRecv  uint64
	StartedAt  time.Time
	LastActive time.Time
}

type connState struct {
	snapshot ConnectionSnapshot
}

// Publisher sends a ConnectionSnapshot to the telemetry subject. A nil
// Publisher is valid: Tracker still maintains local state and exposes
// it to an Aggregator in-process, it simply skips the publish hop.
type Publisher interface {
	PublishConnection(snapshot ConnectionSnapshot) error
}

// Tracker is the single process-wide event sink described in spec
// §4.7. Safe for concurrent use; every session calls into it from its
// own goroutine.
type Tracker struct {
	key ConnectionKey
	pub Publisher

	mu    sync.Mutex
	conns map[string]*connState
}

func NewTracker(key ConnectionKey, pub Publisher) *Tracker {
	return &Tracker{key: key, pub: pub, conns: make(map[string]*connState)}
}

func (t *Tracker) ConnectionStarted(sessionID, userID, roomID, protocol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	key := t.key
	key.Session = sessionID
	t.conns[sessionID] = &connState{snapshot: ConnectionSnapshot{
		Key: key, UserID: userID, RoomID: roomID, Protocol: protocol,
		StartedAt: now, LastActive: now,
	}}
}

func (t *Tracker) ConnectionEnded(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, sessionID)
}

func (t *Tracker) DataSent(sessionID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[sessionID]
	if !ok {
		return
	}
	c.snapshot.BytesSent += uint64(n)
	c.snapshot.LastActive = time.Now()
}

func (t *Tracker) DataReceived(sessionID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[sessionID]
	if !ok {
		return
	}
	c.snapshot.BytesRecv += uint64(n)
	c.snapshot.LastActive = time.Now()
}

// Snapshot returns a copy of every currently tracked connection.
func (t *Tracker) Snapshot() []ConnectionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ConnectionSnapshot, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.snapshot)
	}
	return out
}

// Run publishes this node's connection snapshots every interval
// (default SERVER_STATS_INTERVAL_SECS=5) until ctx is canceled.
// Publish is best-effort: a publish error is logged, never fatal,
// matching spec §5's "publish is non-blocking (best-effort)".
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.publishAll()
		}
	}
}

func (t *Tracker) publishAll() {
	if t.pub == nil {
		return
	}
	for _, snap := range t.Snapshot() {
		if err := t.pub.PublishConnection(snap); err != nil {
			slog.Debug("telemetry: publish failed", "session_id", snap.Key.Session, "err", err)
		}
	}
}
