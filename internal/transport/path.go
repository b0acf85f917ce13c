// Package transport provides the two wire-transport implementations of
// spec §4.6 (WebSocket, WebTransport/QUIC) behind the single
// session.Transport interface, plus the shared lobby URL path
// validation of spec §4.6/§6.
package transport

import (
	"fmt"
	"strings"
)

// ErrBadPath is returned when a request path doesn't match
// "/lobby/<user_id>/<meeting_id>" exactly.
var ErrBadPath = fmt.Errorf("transport: path must be /lobby/<user_id>/<meeting_id>")

// LobbyPath is a parsed "/lobby/<user_id>/<meeting_id>" path.
type LobbyPath struct {
	UserID    string
	MeetingID string
}

// ParseLobbyPath validates and decomposes a request path per spec
// §4.6: exactly three segments, the first literally "lobby". Anything
// else is rejected: both servers answer a bad /lobby/ path with HTTP
// status 400 before any upgrade. Neither server sends WS close code
// 1003 or the H3_REQUEST_REJECTED error code, and neither calls the
// transports' CloseWithReject.
func ParseLobbyPath(path string) (LobbyPath, error) {
	trimmed := strings.Trim(path, "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) != 3 || segments[0] != "lobby" || segments[1] == "" || segments[2] == "" {
		return LobbyPath{}, ErrBadPath
	}
	return LobbyPath{UserID: segments[1], MeetingID: segments[2]}, nil
}

// WSCloseCodeBadPath is the WebSocket close code used to reject a
// malformed lobby path (RFC 6455 1003: unsupported data).
const WSCloseCodeBadPath = 1003

// H3StatusBadPath is the HTTP status (400 Bad Request) WebTransportServer
// writes for a malformed lobby path; WebTransportTransport.CloseWithReject
// also uses it as the session error code. It is not the HTTP/3
// H3_REQUEST_REJECTED error code.
const H3StatusBadPath = 400
