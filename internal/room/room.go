// Package room implements the room router of spec §4.2: it owns the
// set of sessions sharing a meeting id and fans packets out between
// them. It is deliberately a passive, message-passing actor in the
// sense of spec §9 — it holds only sender-recipient handles to
// sessions, never a strong owning reference, so dropping a session is
// always sufficient to release its room-side entry.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bken-media/fabric/internal/mixer"
	"github.com/bken-media/fabric/internal/wire"
)

// ErrSessionRejected is returned by Join when a non-creator attempts to
// act as the creator of an already-started room.
var ErrSessionRejected = errors.New("room: session rejected")

// Recipient is the minimal interface a Room needs to deliver a packet
// to a session. internal/session.Session implements it; tests may
// supply a mock.
type Recipient interface {
	// ID returns the session id this recipient represents.
	ID() string
	// UserID returns the owning participant's user id (email).
	UserID() string
	// Deliver enqueues packet for delivery to this session's transport.
	// It must never block; a full outbound queue drops the packet.
	Deliver(pkt *wire.PacketWrapper)
}

// Bus is the optional inter-node pub/sub fan-out used when the
// deployment spans more than one process (spec §4.2 "Multi-node
// operation"). A nil Bus disables cross-node fan-out.
type Bus interface {
	PublishRoom(roomID, userID string, data []byte) error
	SubscribeRoom(roomID, localUserID string, handler func(data []byte)) (unsubscribe func(), err error)
}

// LifecycleHooks let a Registry observe a room's start and end for
// durable bookkeeping (internal/store's room metadata table). Either
// field may be nil.
type LifecycleHooks struct {
	OnStarted func(roomID, creatorID string, atMs int64)
	OnEnded   func(roomID string, atMs int64)
}

// Room holds the set of sessions sharing one meeting id.
type Room struct {
	ID string

	bus   Bus
	hooks LifecycleHooks

	mu          sync.RWMutex
	sessions    map[string]Recipient
	creatorID   string
	startTimeMs int64
	ended       bool
	endTimeMs   int64

	busUnsub func()

	// mix is the room's shared audio mixer (spec §4.4): every joined
	// session gets a channel keyed by its session id, fed by that
	// session's receive pipeline. mixDone stops the mixing goroutine
	// once the room empties.
	mix     *mixer.Mixer
	mixDone chan struct{}

	dropped atomic64
}

// atomic64 is a tiny counter type. Room.dropped is not incremented
// anywhere: Route cannot see whether a recipient dropped a delivery.
type atomic64 struct{ n uint64 }

// New creates an empty room. bus may be nil to disable multi-node fan-out.
func New(id string, bus Bus) *Room {
	return &Room{
		ID:       id,
		bus:      bus,
		sessions: make(map[string]Recipient),
		mix:      mixer.New(),
	}
}

// SetHooks attaches lifecycle hooks, invoked outside of Room's lock.
func (r *Room) SetHooks(h LifecycleHooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// Mixer returns the room's shared audio mixer, for a joined session's
// receive pipeline to register its channel and submit decoded PCM.
func (r *Room) Mixer() *mixer.Mixer {
	return r.mix
}

// JoinResult is returned by Join on success.
type JoinResult struct {
	StartTimeMs int64
	CreatorID   string
}

// Join registers a session as a room member. The first joiner becomes
// the recorded creator. actAsCreator is set when the joining client
// asserted CreatorID on its CONNECTION handshake, claiming it is
// starting or resuming the room as creator; against an already-started
// room with a different recorded creator, that claim is rejected with
// ErrSessionRejected (spec §4.2). A plain join (actAsCreator false)
// always succeeds against an active room, regardless of who started it.
func (r *Room) Join(sess Recipient, userID string, nowMs int64, actAsCreator bool) (JoinResult, error) {
	r.mu.Lock()

	started := len(r.sessions) == 0
	if !started && actAsCreator {
		if err := r.canActAsCreatorLocked(userID); err != nil {
			r.mu.Unlock()
			return JoinResult{}, err
		}
	}

	if started {
		r.creatorID = userID
		r.startTimeMs = nowMs
		r.ended = false
		r.mixDone = make(chan struct{})
		go r.runMixer(r.mixDone)
	}
	r.sessions[sess.ID()] = sess
	r.mix.Register(mixer.ChannelID(sess.ID()))

	if r.bus != nil && r.busUnsub == nil {
		unsub, err := r.bus.SubscribeRoom(r.ID, userID, r.onBusMessage)
		if err != nil {
			slog.Warn("room: bus subscribe failed", "room_id", r.ID, "err", err)
		} else {
			r.busUnsub = unsub
		}
	}

	res := JoinResult{StartTimeMs: r.startTimeMs, CreatorID: r.creatorID}
	members := len(r.sessions)
	hooks := r.hooks
	r.mu.Unlock()

	slog.Info("room joined", "room_id", r.ID, "session_id", sess.ID(), "user_id", userID, "members", members)
	if started && hooks.OnStarted != nil {
		hooks.OnStarted(r.ID, userID, nowMs)
	}
	return res, nil
}

// CanActAsCreator reports whether userID may perform a creator-only
// action (per spec §4.2: "If another user attempts to act as creator
// of an existing room, rejects with SessionRejected").
func (r *Room) CanActAsCreator(userID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canActAsCreatorLocked(userID)
}

// canActAsCreatorLocked is CanActAsCreator's check, callable by Join
// while it already holds r.mu for writing.
func (r *Room) canActAsCreatorLocked(userID string) error {
	if r.creatorID != "" && r.creatorID != userID {
		return fmt.Errorf("%w: %s is not the creator of room %s", ErrSessionRejected, userID, r.ID)
	}
	return nil
}

// Leave removes a session. Returns true if the room is now empty (and
// therefore ended).
func (r *Room) Leave(sessionID string, nowMs int64) (ended bool) {
	r.mu.Lock()

	delete(r.sessions, sessionID)
	r.mix.Unregister(mixer.ChannelID(sessionID))
	empty := len(r.sessions) == 0
	justEnded := false
	if empty && !r.ended {
		r.ended = true
		r.endTimeMs = nowMs
		justEnded = true
		if r.busUnsub != nil {
			r.busUnsub()
			r.busUnsub = nil
		}
		if r.mixDone != nil {
			close(r.mixDone)
			r.mixDone = nil
		}
	}
	members := len(r.sessions)
	hooks := r.hooks
	r.mu.Unlock()

	slog.Info("room left", "room_id", r.ID, "session_id", sessionID, "members", members, "ended", empty)
	if justEnded && hooks.OnEnded != nil {
		hooks.OnEnded(r.ID, nowMs)
	}
	return empty
}

// MemberCount returns the current number of sessions in the room.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Ended reports whether the room has ended (last session departed).
func (r *Room) Ended() (bool, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ended, r.endTimeMs
}

// Route fans packet out to every session other than senderSessionID
// (self-loop elimination, spec §3 invariant). Delivery is best-effort:
// Recipient.Deliver must not block and returns nothing, so a delivery
// the recipient drops (Session logs a warning when its outbound queue
// is full) is neither reported back to Route nor counted — the router
// never blocks on a slow peer (spec §4.2, §7).
//
// When a multi-node Bus is configured, the packet is additionally
// published on room.<room_id>.<user_id> for remote nodes to pick up.
func (r *Room) Route(senderSessionID, senderUserID string, pkt *wire.PacketWrapper) {
	r.mu.RLock()
	targets := make([]Recipient, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id == senderSessionID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, t := range targets {
		t.Deliver(pkt)
	}

	if r.bus != nil {
		if err := r.bus.PublishRoom(r.ID, senderUserID, pkt.Marshal()); err != nil {
			slog.Warn("room: bus publish failed", "room_id", r.ID, "err", err)
		}
	}
}

// onBusMessage is invoked for every packet published on this room's
// subjects, including this node's own publications, which the bus
// echoes back. A packet whose Email matches a local member's user id
// is treated as such an echo and dropped, since Route already delivered
// it locally; any other packet is fanned out to every local session.
func (r *Room) onBusMessage(data []byte) {
	pkt, err := wire.Unmarshal(data)
	if err != nil {
		slog.Warn("room: dropping malformed bus packet", "room_id", r.ID, "err", err)
		return
	}
	r.mu.RLock()
	targets := make([]Recipient, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.UserID() == pkt.Email {
			r.mu.RUnlock()
			return
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, t := range targets {
		t.Deliver(pkt)
	}
}

// now is a seam the rest of the package can use instead of time.Now
// directly, to keep clock access in one place for tests that need it.
func now() int64 { return time.Now().UnixMilli() }

// runMixer owns the room's single mixing cadence (spec §4.4: one
// mixer goroutine, not one graph per listener). It drains a fixed
// 10ms frame from every registered peer and logs the mixed peak level
// at Debug — a cheap, always-on signal of room audio activity without
// a codec to re-encode the mixed frame for broadcast.
func (r *Room) runMixer(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if peak := peakLevel(r.mix.Mix()); peak > 0 {
				slog.Debug("room mix frame", "room_id", r.ID, "peak", peak)
			}
		}
	}
}

func peakLevel(pcm []int16) int32 {
	var peak int32
	for _, s := range pcm {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
