package diagnostics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordFrameTracksRollingFPS(t *testing.T) {
	d := NewStreamDiagnostics()
	base := time.Now()
	for i := 0; i < 5; i++ {
		d.RecordFrame(1200, base.Add(time.Duration(i)*100*time.Millisecond))
	}
	snap := d.Snapshot()
	require.Equal(t, uint64(5), snap.FramesReceived)
	require.Equal(t, float64(5), snap.FPS)
	require.Equal(t, uint64(6000), snap.BytesReceived)
}

func TestRecordFramePrunesOldArrivalsOutsideWindow(t *testing.T) {
	d := NewStreamDiagnostics()
	base := time.Now()
	d.RecordFrame(100, base)
	d.RecordFrame(100, base.Add(2*time.Second))
	snap := d.Snapshot()
	require.Equal(t, float64(1), snap.FPS, "only the recent arrival should remain in the 1s window")
}

type fakeSink struct {
	mu         sync.Mutex
	diagCalls  int
	healthCalls int
	lastHealth HealthSnapshot
}

func (f *fakeSink) SendDiagnostics(sender, receiver, media string, pkt Packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diagCalls++
}

func (f *fakeSink) SendHealth(h HealthSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	f.lastHealth = h
}

func TestReporterEmitsDiagnosticsAndHealthPeriodically(t *testing.T) {
	sink := &fakeSink{}
	r := NewReporter(sink)
	r.Stream("alice", "bob", "AUDIO").RecordFrame(100, time.Now())
	r.ObservePeer(PeerObservation{PeerID: "carol", CanListen: true, CanSee: false})

	// Exercise the emit paths directly rather than waiting on real
	// tickers, keeping the test deterministic.
	r.emitDiagnostics()
	r.emitHealth()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 1, sink.diagCalls)
	require.Equal(t, 1, sink.healthCalls)
	require.Len(t, sink.lastHealth.Peers, 1)
	require.Equal(t, "carol", sink.lastHealth.Peers[0].PeerID)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sink := &fakeSink{}
	r := NewReporter(sink)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
