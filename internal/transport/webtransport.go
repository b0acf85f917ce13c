package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/quic-go/webtransport-go"
)

// WebTransportTransport implements session.Transport over one
// webtransport.Session, per spec §4.6: unidirectional streams for
// reliable per-packet framing (one stream per packet, avoiding
// head-of-line blocking across independent packets) and datagrams for
// unreliable RTT echoes/keep-alives. Bidirectional streams are
// reserved but unused, matching spec §4.6.
//
// Grounded on the teacher's client.go, which drives the same
// webtransport-go session type (readDatagrams, AcceptStream) for its
// control+media relay.
type WebTransportTransport struct {
	sess *webtransport.Session
}

func NewWebTransportTransport(sess *webtransport.Session) *WebTransportTransport {
	return &WebTransportTransport{sess: sess}
}

// Recv accepts the next incoming unidirectional stream and reads it to
// completion, returning one packet's framed bytes. The sender opens
// exactly one stream per packet (spec §4.6), so a full read-to-EOF per
// AcceptUniStream call yields exactly one PacketWrapper's bytes.
func (t *WebTransportTransport) Recv(ctx context.Context) ([]byte, error) {
	stream, err := t.sess.AcceptUniStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept uni stream: %w", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read uni stream: %w", err)
	}
	return data, nil
}

// Send opens a fresh unidirectional stream per packet and writes it,
// matching spec §4.6's "one stream per packet for independent
// head-of-line blocking".
func (t *WebTransportTransport) Send(data []byte) error {
	stream, err := t.sess.OpenUniStream()
	if err != nil {
		return fmt.Errorf("transport: open uni stream: %w", err)
	}
	if _, err := stream.Write(data); err != nil {
		_ = stream.Close()
		return fmt.Errorf("transport: write uni stream: %w", err)
	}
	return stream.Close()
}

// SendRTT sends data as an unreliable datagram, the dedicated fast
// path spec §4.6 reserves for RTT echoes and keep-alive pings.
func (t *WebTransportTransport) SendRTT(data []byte) error {
	if err := t.sess.SendDatagram(data); err != nil {
		return fmt.Errorf("transport: send datagram: %w", err)
	}
	return nil
}

func (t *WebTransportTransport) Close() error {
	return t.sess.CloseWithError(0, "")
}

// CloseWithReject closes the session with an HTTP/3-style rejection
// status, used when the lobby path fails validation.
func (t *WebTransportTransport) CloseWithReject(reason string) error {
	return t.sess.CloseWithError(webtransport.SessionErrorCode(H3StatusBadPath), reason)
}
