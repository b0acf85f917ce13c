// Package session implements the server-side session actor of spec
// §4.1: one logical actor per connected participant, handling
// handshake, heartbeat, inbound classification, and outbound delivery.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bken-media/fabric/internal/diagnostics"
	"github.com/bken-media/fabric/internal/mixer"
	"github.com/bken-media/fabric/internal/room"
	"github.com/bken-media/fabric/internal/wire"
)

// Transport is the minimal capability set a session needs from its
// underlying connection (spec §9 "Polymorphism over decoders/
// transports" — {send, recv, close}).
type Transport interface {
	// Recv blocks until one PacketWrapper's raw bytes arrive, or ctx is
	// canceled, or the transport closes.
	Recv(ctx context.Context) ([]byte, error)
	// Send delivers raw PacketWrapper bytes to the peer. Implementations
	// choose the channel (reliable stream vs datagram) per spec §4.6.
	Send(data []byte) error
	// SendRTT delivers a small low-latency echo, using a datagram
	// channel where the transport supports one.
	SendRTT(data []byte) error
	Close() error
}

// HealthSink receives forwarded HEALTH packets (spec §4.1.4).
type HealthSink interface {
	HandleHealth(senderEmail string, pkt *wire.PacketWrapper)
}

// TelemetrySink receives session lifecycle/throughput events (spec §4.7).
type TelemetrySink interface {
	ConnectionStarted(sessionID, userID, roomID, protocol string)
	ConnectionEnded(sessionID string)
	DataSent(sessionID string, n int)
	DataReceived(sessionID string, n int)
}

// Config bounds a session's timers and queue sizes.
type Config struct {
	ClientTimeout     time.Duration // fatal if exceeded since last inbound activity (spec: implementation-chosen, >= 10s)
	HeartbeatInterval time.Duration // cadence of the liveness check (spec default: 5s)
	OutboundQueueSize int           // bounded outbound mailbox; full queue drops new (spec §5)

	// InvalidPacketRate/InvalidPacketBurst bound the rate of malformed
	// inbound packets this session tolerates before terminating the
	// connection (protocol-error containment). InvalidPacketRate <= 0
	// disables the limit.
	InvalidPacketRate  float64
	InvalidPacketBurst int
}

// DefaultConfig matches spec §4.1's stated defaults.
func DefaultConfig() Config {
	return Config{
		ClientTimeout:      15 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		OutboundQueueSize:  256,
		InvalidPacketRate:  5,
		InvalidPacketBurst: 10,
	}
}

// Session owns one connected participant's lifecycle. It implements
// room.Recipient so the room router can address it directly.
type Session struct {
	id        string
	userID    string
	roomID    string
	transport Transport
	transportKind string

	cfg     Config
	rooms   *room.Registry
	health  HealthSink
	tele    TelemetrySink

	lastActivity atomic.Int64 // unix ms, updated on every inbound frame
	closed       atomic.Bool

	outbound chan *wire.PacketWrapper

	// invalidLimiter gates how many malformed inbound packets this
	// session tolerates before readerLoop terminates the connection.
	// nil when Config.InvalidPacketRate <= 0.
	invalidLimiter *rate.Limiter

	pipeline *mediaPipeline
	reporter *diagnostics.Reporter

	mu   sync.Mutex
	room *room.Room
}

// New constructs a session bound to transport. Call Run to drive it to
// completion; Run blocks until the session terminates.
func New(transport Transport, transportKind string, cfg Config, rooms *room.Registry, health HealthSink, tele TelemetrySink) *Session {
	s := &Session{
		id:            uuid.NewString(),
		transport:     transport,
		transportKind: transportKind,
		cfg:           cfg,
		rooms:         rooms,
		health:        health,
		tele:          tele,
		outbound:      make(chan *wire.PacketWrapper, cfg.OutboundQueueSize),
	}
	if cfg.InvalidPacketRate > 0 {
		s.invalidLimiter = rate.NewLimiter(rate.Limit(cfg.InvalidPacketRate), cfg.InvalidPacketBurst)
	}
	s.lastActivity.Store(time.Now().UnixMilli())
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Deliver enqueues pkt for outbound delivery. MEDIA packets are routed
// through this session's receive-side jitter/reorder pipeline first
// (spec §4.3); every other type is handed straight to the outbound
// mailbox. Either way this never blocks: a full queue drops the new
// packet (spec §5 "drop-new... never delays others"), which keeps one
// slow peer from stalling the router.
func (s *Session) Deliver(pkt *wire.PacketWrapper) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()

	if pkt.Type == wire.PacketMedia && pipeline != nil {
		mp, err := wire.UnmarshalMediaPacket(pkt.Data)
		if err != nil {
			slog.Debug("session: dropping malformed media packet", "session_id", s.id, "err", err)
			return
		}
		for _, raw := range pipeline.process(pkt, mp, time.Now()) {
			w, err := wire.Unmarshal(raw)
			if err != nil {
				continue
			}
			s.enqueue(w)
		}
		return
	}
	s.enqueue(pkt)
}

func (s *Session) enqueue(pkt *wire.PacketWrapper) {
	select {
	case s.outbound <- pkt:
	default:
		slog.Warn("session: outbound queue full, dropping packet", "session_id", s.id)
	}
}

// diagSink adapts a Session into diagnostics.Sink, framing emitted
// DIAGNOSTICS/HEALTH packets as PacketWrappers and handing them
// straight to the outbound mailbox (these never pass back through the
// media pipeline — they are not MEDIA packets).
type diagSink struct{ s *Session }

func (d diagSink) SendDiagnostics(sender, receiver, media string, pkt diagnostics.Packet) {
	mediaType, _ := wire.ParseMediaType(media)
	msg := wire.DiagnosticsMsg{
		SenderEmail:      sender,
		ReceiverEmail:    receiver,
		MediaType:        mediaType,
		Timestamp:        time.Now().UnixMilli(),
		FramesReceived:   pkt.FramesReceived,
		FPS:              pkt.FPS,
		BytesReceived:    pkt.BytesReceived,
		BitrateKbps:      pkt.BitrateKbps,
		JitterBufferMs:   float64(pkt.NetEQ.BufferMs),
		PacketsAwaiting:  pkt.NetEQ.PacketsAwaiting,
		NormalRate:       float64(pkt.NetEQ.NormalOps),
		AccelerateRate:   float64(pkt.NetEQ.AccelerateOps),
		ExpandRate:       float64(pkt.NetEQ.ExpandOps),
		MergeRate:        float64(pkt.NetEQ.MergeOps),
		ComfortNoiseRate: float64(pkt.NetEQ.ComfortNoiseOps),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("session: marshal diagnostics message", "err", err)
		return
	}
	d.s.enqueue(&wire.PacketWrapper{Type: wire.PacketDiagnostics, Email: d.s.userID, Data: data})
}

func (d diagSink) SendHealth(h diagnostics.HealthSnapshot) {
	msg := wire.HealthMsg{Email: d.s.userID, Timestamp: time.Now().UnixMilli()}
	for _, peer := range h.Peers {
		msg.Peers = append(msg.Peers, wire.PeerHealth{
			PeerEmail: peer.PeerID,
			CanListen: peer.CanListen,
			CanSee:    peer.CanSee,
		})
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("session: marshal health message", "err", err)
		return
	}
	d.s.enqueue(&wire.PacketWrapper{Type: wire.PacketHealth, Email: d.s.userID, Data: data})
}

// Run drives the session from handshake through termination. It
// returns nil on orderly shutdown and a non-nil error for abnormal
// termination (the caller typically just logs it).
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.handshake(ctx); err != nil {
		s.closed.Store(true)
		if cerr := s.transport.Close(); cerr != nil {
			slog.Debug("session: close transport", "session_id", s.id, "err", cerr)
		}
		return fmt.Errorf("session: handshake: %w", err)
	}
	reporter := diagnostics.NewReporter(diagSink{s: s})
	s.mu.Lock()
	var mix *mixer.Mixer
	if s.room != nil {
		mix = s.room.Mixer()
	}
	s.reporter = reporter
	s.pipeline = newMediaPipeline(s.userID, reporter, mix, mixer.ChannelID(s.id))
	s.mu.Unlock()
	go reporter.Run(ctx)
	if s.tele != nil {
		s.tele.ConnectionStarted(s.id, s.userID, s.roomID, s.transportKind)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writerLoop(ctx) }()
	go func() { defer wg.Done(); s.heartbeatLoop(ctx, cancel) }()

	err := s.readerLoop(ctx)
	cancel()
	wg.Wait()

	s.terminate()
	return err
}

// handshake accepts the first inbound CONNECTION packet and joins the
// named room, per spec §4.1.1-2. It rejects (returns an error and sends
// MEETING_ENDED) if the first packet is absent or malformed, or if the
// room rejects the join.
func (s *Session) handshake(ctx context.Context) error {
	raw, err := s.transport.Recv(ctx)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	wrapper, err := wire.Unmarshal(raw)
	if err != nil || wrapper.Type != wire.PacketConnection {
		s.sendMeetingEnded("missing or malformed CONNECTION handshake")
		return fmt.Errorf("expected CONNECTION handshake: %w", err)
	}

	var conn wire.ConnectionMsg
	if jsonErr := json.Unmarshal(wrapper.Data, &conn); jsonErr != nil || conn.RoomID == "" {
		s.sendMeetingEnded("missing room id")
		return fmt.Errorf("decode connection message: %w", jsonErr)
	}

	s.userID = wrapper.Email
	s.roomID = conn.RoomID

	r := s.rooms.GetOrCreate(s.roomID)
	actAsCreator := conn.CreatorID != "" && conn.CreatorID == s.userID
	res, err := r.Join(s, s.userID, time.Now().UnixMilli(), actAsCreator)
	if err != nil {
		s.sendMeetingEnded(err.Error())
		return err
	}
	s.mu.Lock()
	s.room = r
	s.mu.Unlock()

	started := wire.ConnectionMsg{
		Type:      wire.ConnectionMeetingStarted,
		RoomID:    s.roomID,
		StartTime: res.StartTimeMs,
		CreatorID: res.CreatorID,
	}
	s.sendConnection(started)
	slog.Info("session joined room", "session_id", s.id, "user_id", s.userID, "room_id", s.roomID)
	return nil
}

func (s *Session) sendMeetingEnded(reason string) {
	s.sendConnection(wire.ConnectionMsg{Type: wire.ConnectionMeetingEnded, Reason: reason})
}

func (s *Session) sendConnection(msg wire.ConnectionMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("session: marshal connection message", "err", err)
		return
	}
	w := &wire.PacketWrapper{Type: wire.PacketConnection, Email: s.userID, Data: data}
	if err := s.transport.Send(w.Marshal()); err != nil {
		slog.Debug("session: send connection message failed", "session_id", s.id, "err", err)
	}
}

// readerLoop is the hot inbound path: receive, classify, forward.
func (s *Session) readerLoop(ctx context.Context) error {
	for {
		raw, err := s.transport.Recv(ctx)
		if err != nil {
			return err
		}
		s.lastActivity.Store(time.Now().UnixMilli())
		if s.tele != nil {
			s.tele.DataReceived(s.id, len(raw))
		}

		if isRTTPing(raw) {
			if err := s.transport.SendRTT(raw); err != nil {
				slog.Debug("session: RTT echo failed", "session_id", s.id, "err", err)
			}
			continue
		}

		wrapper, err := wire.Unmarshal(raw)
		if err != nil {
			slog.Debug("session: dropping malformed packet", "session_id", s.id, "err", err)
			if s.invalidLimiter != nil && !s.invalidLimiter.Allow() {
				return fmt.Errorf("session: too many malformed packets, closing connection")
			}
			continue
		}
		if wrapper.Email == "" {
			wrapper.Email = s.userID
		}
		s.classify(wrapper)
	}
}

// classify implements spec §4.1.4's inbound categorization.
func (s *Session) classify(pkt *wire.PacketWrapper) {
	switch pkt.Type {
	case wire.PacketHealth:
		if s.health != nil {
			s.health.HandleHealth(s.userID, pkt)
		}
		s.routeToRoom(pkt)
	default:
		s.routeToRoom(pkt)
	}
}

func (s *Session) routeToRoom(pkt *wire.PacketWrapper) {
	s.mu.Lock()
	r := s.room
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.Route(s.id, s.userID, pkt)
}

// writerLoop drains the outbound mailbox to the transport.
func (s *Session) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-s.outbound:
			if !ok {
				return
			}
			if s.closed.Load() {
				// Heartbeat timeout/termination observed: discard further
				// outbound deliveries (spec §5 atomicity guarantee).
				continue
			}
			data := pkt.Marshal()
			if err := s.transport.Send(data); err != nil {
				slog.Debug("session: transport write error", "session_id", s.id, "err", err)
				return
			}
			if s.tele != nil {
				s.tele.DataSent(s.id, len(data))
			}
		}
	}
}

// heartbeatLoop terminates the session if no inbound activity has been
// observed within ClientTimeout, per spec §4.1.3.
func (s *Session) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.UnixMilli(s.lastActivity.Load())
			if time.Since(last) > s.cfg.ClientTimeout {
				slog.Warn("session: heartbeat timeout, closing", "session_id", s.id, "silent_for", time.Since(last))
				s.closed.Store(true)
				cancel()
				return
			}
		}
	}
}

// terminate deregisters from the room, notifies telemetry, and closes
// the transport. Safe to call once per session (Run calls it exactly
// once on the way out).
func (s *Session) terminate() {
	s.closed.Store(true)

	s.mu.Lock()
	r := s.room
	s.mu.Unlock()
	if r != nil {
		if ended := r.Leave(s.id, time.Now().UnixMilli()); ended {
			s.rooms.Remove(s.roomID)
		}
	}
	if s.tele != nil {
		s.tele.ConnectionEnded(s.id)
	}
	if err := s.transport.Close(); err != nil {
		slog.Debug("session: close transport", "session_id", s.id, "err", err)
	}
	slog.Info("session terminated", "session_id", s.id, "user_id", s.userID)
}
