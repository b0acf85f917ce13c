package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	published []ConnectionSnapshot
	failNext  bool
}

func (f *fakePublisher) PublishConnection(snapshot ConnectionSnapshot) error {
	f.published = append(f.published, snapshot)
	return nil
}

func TestTrackerAccumulatesBytesPerSession(t *testing.T) {
	tr := NewTracker(ConnectionKey{Region: "us-east", Service: "fabric", Instance: "i-1"}, nil)
	tr.ConnectionStarted("sess-1", "alice@example.com", "room-1", "ws")
	tr.DataSent("sess-1", 100)
	tr.DataReceived("sess-1", 50)

	snaps := tr.Snapshot()
	require.Len(t, snaps, 1)
	require.Equal(t, uint64(100), snaps[0].BytesSent)
	require.Equal(t, uint64(50), snaps[0].BytesRecv)
	require.Equal(t, "sess-1", snaps[0].Key.Session)
}

func TestConnectionEndedRemovesFromTracking(t *testing.T) {
	tr := NewTracker(ConnectionKey{}, nil)
	tr.ConnectionStarted("sess-1", "alice@example.com", "room-1", "ws")
	tr.ConnectionEnded("sess-1")
	require.Empty(t, tr.Snapshot())
}

func TestPublishAllIsBestEffortAndSkipsWithNilPublisher(t *testing.T) {
	tr := NewTracker(ConnectionKey{}, nil)
	tr.ConnectionStarted("sess-1", "alice@example.com", "room-1", "ws")
	require.NotPanics(t, func() { tr.publishAll() })
}

func TestAggregatorDropsStaleEntriesAndFiltersRecency(t *testing.T) {
	reg := prometheus.NewRegistry()
	agg := NewAggregator(reg, 30*time.Second, 10*time.Second)

	now := time.Now()
	agg.Ingest(ConnectionSnapshot{Key: ConnectionKey{Session: "s1"}, BytesSent: 1000}, now)
	require.Equal(t, 1, agg.ActiveCount(now))

	// Past recency window but still within freshness: no longer active,
	// but not yet evicted.
	later := now.Add(15 * time.Second)
	require.Equal(t, 0, agg.ActiveCount(later))

	// Past freshness window entirely: evicted.
	evictTime := now.Add(40 * time.Second)
	agg.Sweep(evictTime)
	require.Equal(t, 0, agg.ActiveCount(evictTime))
}
