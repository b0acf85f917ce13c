package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWebTransportServerShutsDownOnContextCancel exercises the same
// listener lifecycle wsserver_test.go checks for WebSocketServer: Run
// blocks until ctx is canceled, then returns cleanly with no error.
// Driving a full QUIC/WebTransport client handshake through to
// onSession isn't covered here — that needs a real HTTP/3 round
// tripper, which path_test.go's ParseLobbyPath coverage and
// wsserver_test.go's upgrade test already exercise for the shared
// lobby-path and session-handoff logic both servers share.
func TestWebTransportServerShutsDownOnContextCancel(t *testing.T) {
	addr := "127.0.0.1:18744"
	tlsConfig, _, err := GenerateSelfSignedTLSConfig(time.Hour, "localhost")
	require.NoError(t, err)

	onSession := func(ctx context.Context, path LobbyPath, conn Transport) {}

	srv := NewWebTransportServer(addr, tlsConfig, onSession)
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	// Give ListenAndServe a moment to bind the UDP socket before
	// canceling, so a failure to start isn't mistaken for a clean exit.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("webtransport server did not shut down after context cancel")
	}
}
