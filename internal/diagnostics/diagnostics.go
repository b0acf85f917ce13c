// Package diagnostics implements spec §4.5's two periodic reporting
// duties: local per-stream receive diagnostics, serialized at least
// every 2s, and peer-to-peer HEALTH aggregation, emitted roughly every
// 5s. Grounded on the teacher's RunMetrics periodic-ticker-goroutine
// idiom (server/metrics.go).
package diagnostics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DiagnosticsInterval = 2 * time.Second
	HealthInterval      = 5 * time.Second
	fpsWindow           = 1 * time.Second
)

// NetEQStats mirrors the jitter buffer counters spec §4.5 asks
// diagnostics to carry: buffer depth, packets awaiting decode, and
// per-operation rates.
type NetEQStats struct {
	BufferMs         int
	PacketsAwaiting  int
	NormalOps        uint64
	AccelerateOps    uint64
	ExpandOps        uint64
	MergeOps         uint64
	ComfortNoiseOps  uint64
}

// StreamDiagnostics is one (sender, receiver, media) tracker. Not safe
// for concurrent use outside its own methods, which lock internally.
type StreamDiagnostics struct {
	mu sync.Mutex

	arrivals      []time.Time // for the rolling 1s FPS window
	framesTotal   uint64
	bytesTotal    uint64
	lastSizeBytes int
	lastFPS       float64

	neteq NetEQStats
}

func NewStreamDiagnostics() *StreamDiagnostics {
	return &StreamDiagnostics{}
}

// RecordFrame folds in one received frame's size at time now.
func (s *StreamDiagnostics) RecordFrame(sizeBytes int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesTotal++
	s.bytesTotal += uint64(sizeBytes)
	s.lastSizeBytes = sizeBytes
	s.arrivals = append(s.arrivals, now)
	s.pruneArrivals(now)
	s.lastFPS = float64(len(s.arrivals))
}

func (s *StreamDiagnostics) pruneArrivals(now time.Time) {
	cutoff := now.Add(-fpsWindow)
	n := 0
	for n < len(s.arrivals) && s.arrivals[n].Before(cutoff) {
		n++
	}
	if n > 0 {
		s.arrivals = s.arrivals[n:]
	}
}

// SetNetEQStats updates the jitter-buffer-derived counters.
func (s *StreamDiagnostics) SetNetEQStats(stats NetEQStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neteq = stats
}

// Packet is a snapshot suitable for wire serialization as a
// DiagnosticsPacket (spec §4.5).
type Packet struct {
	FramesReceived   uint64
	FPS              float64
	BytesReceived    uint64
	BitrateKbps       float64
	NetEQ            NetEQStats
}

func (s *StreamDiagnostics) Snapshot() Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Packet{
		FramesReceived: s.framesTotal,
		FPS:            s.lastFPS,
		BytesReceived:  s.bytesTotal,
		BitrateKbps:    float64(s.bytesTotal*8) / 1000,
		NetEQ:          s.neteq,
	}
}

// Sink receives serialized diagnostics and health packets; typically
// implemented by internal/session to frame and route them upstream.
type Sink interface {
	SendDiagnostics(sender, receiver, media string, pkt Packet)
	SendHealth(h HealthSnapshot)
}

// PeerObservation is one remote peer's latest health facts, as
// observed locally.
type PeerObservation struct {
	PeerID    string
	CanListen bool
	CanSee    bool
	NetEQ     NetEQStats
}

// HealthSnapshot aggregates this endpoint's view of all remote peers
// it observes, matching spec §4.5's HEALTH packet contract.
type HealthSnapshot struct {
	Peers []PeerObservation
}

// Reporter drives the two periodic tickers described in spec §4.5 for
// one session: a diagnostics tick per tracked stream and a health tick
// aggregating all tracked peers.
type Reporter struct {
	sink Sink

	mu      sync.Mutex
	streams map[streamKey]*StreamDiagnostics
	peers   map[string]PeerObservation
}

type streamKey struct {
	sender, receiver, media string
}

func NewReporter(sink Sink) *Reporter {
	return &Reporter{
		sink:    sink,
		streams: make(map[streamKey]*StreamDiagnostics),
		peers:   make(map[string]PeerObservation),
	}
}

// Stream returns (creating if necessary) the tracker for one
// (sender, receiver, media) triple.
func (r *Reporter) Stream(sender, receiver, media string) *StreamDiagnostics {
	key := streamKey{sender, receiver, media}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.streams[key]
	if !ok {
		d = NewStreamDiagnostics()
		r.streams[key] = d
	}
	return d
}

// ObservePeer records this endpoint's latest view of a remote peer,
// folded into the next HEALTH packet.
func (r *Reporter) ObservePeer(obs PeerObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[obs.PeerID] = obs
}

// Run drives the diagnostics and health tickers until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	diagTicker := time.NewTicker(DiagnosticsInterval)
	healthTicker := time.NewTicker(HealthInterval)
	defer diagTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-diagTicker.C:
			r.emitDiagnostics()
		case <-healthTicker.C:
			r.emitHealth()
		}
	}
}

func (r *Reporter) emitDiagnostics() {
	r.mu.Lock()
	snapshot := make(map[streamKey]Packet, len(r.streams))
	for k, d := range r.streams {
		snapshot[k] = d.Snapshot()
	}
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	for k, pkt := range snapshot {
		r.sink.SendDiagnostics(k.sender, k.receiver, k.media, pkt)
	}
}

func (r *Reporter) emitHealth() {
	r.mu.Lock()
	peers := make([]PeerObservation, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	if len(peers) == 0 {
		return
	}
	r.sink.SendHealth(HealthSnapshot{Peers: peers})
	slog.Debug("diagnostics: health snapshot emitted", "peer_count", len(peers))
}
