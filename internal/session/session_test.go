package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bken-media/fabric/internal/room"
	"github.com/bken-media/fabric/internal/wire"
)

// fakeTransport is a scriptable Transport for session tests.
type fakeTransport struct {
	mu      sync.Mutex
	inbound [][]byte
	closed  bool

	sent    [][]byte
	rttSent [][]byte
}

func newFakeTransport(inbound ...[]byte) *fakeTransport {
	return &fakeTransport{inbound: inbound}
}

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	if len(f.inbound) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	f.mu.Unlock()
	return next, nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) SendRTT(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rttSent = append(f.rttSent, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshotSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func handshakeFrame(t *testing.T, roomID, email string) []byte {
	t.Helper()
	data, err := json.Marshal(wire.ConnectionMsg{Type: wire.ConnectionJoin, RoomID: roomID})
	require.NoError(t, err)
	w := &wire.PacketWrapper{Type: wire.PacketConnection, Email: email, Data: data}
	return w.Marshal()
}

func TestHandshakeJoinsRoomAndSendsMeetingStarted(t *testing.T) {
	tr := newFakeTransport(handshakeFrame(t, "room-1", "alice@example.com"))
	rooms := room.NewRegistry(nil)
	s := New(tr, "ws", Config{ClientTimeout: 50 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond, OutboundQueueSize: 8}, rooms, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	sent := tr.snapshotSent()
	require.NotEmpty(t, sent)
	w, err := wire.Unmarshal(sent[0])
	require.NoError(t, err)
	require.Equal(t, wire.PacketConnection, w.Type)
	var msg wire.ConnectionMsg
	require.NoError(t, json.Unmarshal(w.Data, &msg))
	require.Equal(t, wire.ConnectionMeetingStarted, msg.Type)
	require.True(t, tr.closed)
}

func TestHandshakeRejectsMissingRoomID(t *testing.T) {
	data, _ := json.Marshal(wire.ConnectionMsg{Type: wire.ConnectionJoin})
	w := &wire.PacketWrapper{Type: wire.PacketConnection, Email: "alice@example.com", Data: data}
	tr := newFakeTransport(w.Marshal())
	rooms := room.NewRegistry(nil)
	s := New(tr, "ws", DefaultConfig(), rooms, nil, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	require.True(t, tr.closed)

	sent := tr.snapshotSent()
	require.NotEmpty(t, sent)
	wrap, err := wire.Unmarshal(sent[len(sent)-1])
	require.NoError(t, err)
	var msg wire.ConnectionMsg
	require.NoError(t, json.Unmarshal(wrap.Data, &msg))
	require.Equal(t, wire.ConnectionMeetingEnded, msg.Type)
}

func TestHandshakeRejectsNonCreatorActingAsCreator(t *testing.T) {
	rooms := room.NewRegistry(nil)

	firstCtx, firstCancel := context.WithCancel(context.Background())
	defer firstCancel()
	firstTr := newFakeTransport(handshakeFrame(t, "room-1", "alice@example.com"))
	first := New(firstTr, "ws", Config{ClientTimeout: time.Hour, HeartbeatInterval: time.Hour, OutboundQueueSize: 8}, rooms, nil, nil)
	go first.Run(firstCtx)
	time.Sleep(20 * time.Millisecond) // let alice's handshake land before mallory's

	data, err := json.Marshal(wire.ConnectionMsg{Type: wire.ConnectionJoin, RoomID: "room-1", CreatorID: "mallory@example.com"})
	require.NoError(t, err)
	w := &wire.PacketWrapper{Type: wire.PacketConnection, Email: "mallory@example.com", Data: data}
	tr := newFakeTransport(w.Marshal())
	s := New(tr, "ws", DefaultConfig(), rooms, nil, nil)

	err = s.Run(context.Background())
	require.ErrorIs(t, err, room.ErrSessionRejected)
	require.True(t, tr.closed)

	sent := tr.snapshotSent()
	require.NotEmpty(t, sent)
	wrap, err := wire.Unmarshal(sent[len(sent)-1])
	require.NoError(t, err)
	var msg wire.ConnectionMsg
	require.NoError(t, json.Unmarshal(wrap.Data, &msg))
	require.Equal(t, wire.ConnectionMeetingEnded, msg.Type)
}

func TestHeartbeatTimeoutClosesSession(t *testing.T) {
	tr := newFakeTransport(handshakeFrame(t, "room-1", "alice@example.com"))
	rooms := room.NewRegistry(nil)
	cfg := Config{ClientTimeout: 20 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond, OutboundQueueSize: 8}
	s := New(tr, "ws", cfg, rooms, nil, nil)

	start := time.Now()
	err := s.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	require.True(t, tr.closed)
	// Property: time between last inbound activity and forced close is
	// bounded by ClientTimeout + HeartbeatInterval.
	require.LessOrEqual(t, elapsed, cfg.ClientTimeout+cfg.HeartbeatInterval+200*time.Millisecond)
}

func TestRTTPingEchoesWithoutRouting(t *testing.T) {
	ping := []byte{rttPingMarker, 1, 2, 3}
	tr := newFakeTransport(handshakeFrame(t, "room-1", "alice@example.com"), ping)
	rooms := room.NewRegistry(nil)
	cfg := Config{ClientTimeout: 100 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond, OutboundQueueSize: 8}
	s := New(tr, "ws", cfg, rooms, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	require.Len(t, tr.rttSent, 1)
	require.Equal(t, ping, tr.rttSent[0])
}

// fakeHealthSink records HEALTH packets handed to it.
type fakeHealthSink struct {
	mu  sync.Mutex
	got []string
}

func (f *fakeHealthSink) HandleHealth(senderEmail string, pkt *wire.PacketWrapper) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, senderEmail)
}

func TestHealthPacketsForwardedToSink(t *testing.T) {
	health := &wire.PacketWrapper{Type: wire.PacketHealth, Email: "alice@example.com", Data: []byte("{}")}
	tr := newFakeTransport(handshakeFrame(t, "room-1", "alice@example.com"), health.Marshal())
	rooms := room.NewRegistry(nil)
	sink := &fakeHealthSink{}
	cfg := Config{ClientTimeout: 100 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond, OutboundQueueSize: 8}
	s := New(tr, "ws", cfg, rooms, sink, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, []string{"alice@example.com"}, sink.got)
}

func TestDeliverDropsWhenOutboundQueueFull(t *testing.T) {
	tr := newFakeTransport(handshakeFrame(t, "room-1", "alice@example.com"))
	rooms := room.NewRegistry(nil)
	cfg := Config{ClientTimeout: 500 * time.Millisecond, HeartbeatInterval: 50 * time.Millisecond, OutboundQueueSize: 1}
	s := New(tr, "ws", cfg, rooms, nil, nil)
	s.userID = "bob@example.com"

	// Fill and overflow the outbound mailbox before the writer loop runs.
	for i := 0; i < 10; i++ {
		s.Deliver(&wire.PacketWrapper{Type: wire.PacketMedia, Email: "bob@example.com"})
	}
	require.Len(t, s.outbound, cfg.OutboundQueueSize)
}

func TestDeliverAfterCloseIsDiscarded(t *testing.T) {
	tr := newFakeTransport()
	rooms := room.NewRegistry(nil)
	s := New(tr, "ws", DefaultConfig(), rooms, nil, nil)
	s.closed.Store(true)
	s.Deliver(&wire.PacketWrapper{Type: wire.PacketMedia})
	select {
	case <-s.outbound:
		t.Fatal("expected no delivery after close")
	default:
	}
}

func TestReaderLoopClosesConnectionAfterTooManyMalformedPackets(t *testing.T) {
	garbage := []byte("not a valid packet wrapper")
	frames := [][]byte{handshakeFrame(t, "room-1", "alice@example.com")}
	for i := 0; i < 20; i++ {
		frames = append(frames, garbage)
	}
	tr := newFakeTransport(frames...)
	rooms := room.NewRegistry(nil)
	cfg := Config{
		ClientTimeout:      time.Second,
		HeartbeatInterval:  time.Second,
		OutboundQueueSize:  8,
		InvalidPacketRate:  2,
		InvalidPacketBurst: 2,
	}
	s := New(tr, "ws", cfg, rooms, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	require.True(t, tr.closed)
}

func TestReaderLoopToleratesMalformedPacketsWithinBurst(t *testing.T) {
	frames := [][]byte{handshakeFrame(t, "room-1", "alice@example.com"), []byte("garbage")}
	tr := newFakeTransport(frames...)
	rooms := room.NewRegistry(nil)
	cfg := Config{
		ClientTimeout:      100 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
		OutboundQueueSize:  8,
		InvalidPacketRate:  5,
		InvalidPacketBurst: 10,
	}
	s := New(tr, "ws", cfg, rooms, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	// Heartbeat timeout, not the rate limiter, should end the session.
	_ = s.Run(ctx)
	require.True(t, tr.closed)
}
