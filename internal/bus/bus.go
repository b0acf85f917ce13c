// Package bus wraps github.com/nats-io/nats.go into the narrow
// publish/subscribe contracts internal/room and internal/telemetry
// need: cross-node room fan-out and the connection telemetry feed
// (spec §6's subjects). Grounded on the NATS usage observed in the
// retrieval pack's helixml-helix and eleven-am-voice-backend manifests
// — the teacher itself has no inter-node bus, since it runs as a
// single process.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bken-media/fabric/internal/telemetry"
)

// Bus holds a single shared NATS connection. Per spec §5's shared
// resource policy ("NATS/pub-sub client: shared, clone-cheap handle;
// publish is non-blocking (best-effort)"), one Bus is constructed at
// startup and passed to every room and the telemetry tracker.
type Bus struct {
	nc *nats.Conn
}

// Connect dials url (NATS_URL). A retry-on-disconnect connection is
// used so a transient broker blip doesn't tear down every room.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return &Bus{nc: nc}, nil
}

func (b *Bus) Close() {
	b.nc.Close()
}

// roomSubject formats the per-peer publish subject: room.<room_id>.<user_id>.
func roomSubject(roomID, userID string) string {
	return fmt.Sprintf("room.%s.%s", roomID, userID)
}

// roomWildcard formats the per-room subscribe subject: room.<room_id>.*.
func roomWildcard(roomID string) string {
	return fmt.Sprintf("room.%s.*", roomID)
}

// PublishRoom implements room.Bus: publish raw PacketWrapper bytes to
// one peer's subject within a room. Best-effort: errors are returned
// for the caller to log, never block, never retried here.
func (b *Bus) PublishRoom(roomID, userID string, data []byte) error {
	return b.nc.Publish(roomSubject(roomID, userID), data)
}

// SubscribeRoom implements room.Bus: subscribe to every peer's subject
// within a room. localUserID is not used for filtering, and NATS echoes
// this connection's own publications, so handler also receives packets
// this node published; internal/room drops those echoes. handler is
// invoked on the NATS client's dispatch goroutine.
func (b *Bus) SubscribeRoom(roomID, localUserID string, handler func([]byte)) (func(), error) {
	sub, err := b.nc.Subscribe(roomWildcard(roomID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", roomWildcard(roomID), err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// connectionSubject formats the telemetry publish subject:
// server.connections.<region>.<service>.<instance>.
func connectionSubject(key telemetry.ConnectionKey) string {
	return fmt.Sprintf("server.connections.%s.%s.%s", key.Region, key.Service, key.Instance)
}

// PublishConnection implements telemetry.Publisher. The snapshot is
// JSON-encoded in full (including its Key) so any subscriber can
// reconstruct it without relying on the subject string.
func (b *Bus) PublishConnection(snapshot telemetry.ConnectionSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("bus: marshal connection snapshot: %w", err)
	}
	return b.nc.Publish(connectionSubject(snapshot.Key), payload)
}

// SubscribeConnections subscribes to every telemetry subject across
// the fleet using a queue group, so exactly one aggregator replica in
// a horizontally scaled deployment processes each message. Malformed
// payloads are dropped rather than passed to handler.
func (b *Bus) SubscribeConnections(queueGroup string, handler func(telemetry.ConnectionSnapshot)) (func(), error) {
	sub, err := b.nc.QueueSubscribe("server.connections.>", queueGroup, func(msg *nats.Msg) {
		var snapshot telemetry.ConnectionSnapshot
		if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
			return
		}
		handler(snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe connections: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
