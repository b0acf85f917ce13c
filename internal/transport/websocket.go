package transport

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// WebSocketTransport implements session.Transport over one gorilla
// websocket.Conn: one logical message per packet, ordered, reliable —
// spec §4.6's WebSocket transport. Grounded on the teacher's
// server.go upgrade handling and client.go's single reader/writer
// goroutine discipline per connection.
type WebSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Recv blocks for the next binary message. gorilla websocket has no
// native per-read context, so the read runs on a helper goroutine; if
// ctx is done first, Recv closes the connection to unblock that read
// and returns ctx.Err().
func (t *WebSocketTransport) Recv(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	var data []byte
	var err error
	go func() {
		defer close(done)
		_, data, err = t.conn.ReadMessage()
	}()
	select {
	case <-ctx.Done():
		_ = t.conn.Close()
		<-done
		return nil, ctx.Err()
	case <-done:
		return data, err
	}
}

func (t *WebSocketTransport) Send(data []byte) error {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

// SendRTT echoes an RTT ping as a binary message; WebSocket has no
// unreliable datagram channel, so the echo travels on the same
// reliable stream as everything else (spec §4.6 only requires a
// datagram fast-path where the transport actually supports one).
func (t *WebSocketTransport) SendRTT(data []byte) error {
	return t.Send(data)
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close()
}

// CloseWithReject closes the connection with WS close code 1003,
// used when the lobby path fails validation before a session is ever
// constructed.
func (t *WebSocketTransport) CloseWithReject(reason string) error {
	msg := websocket.FormatCloseMessage(WSCloseCodeBadPath, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	return t.conn.Close()
}
