package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWebSocketTransportSendRecvRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverDone := make(chan struct{})
	var serverErr error

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			serverErr = err
			close(serverDone)
			return
		}
		tr := NewWebSocketTransport(conn)
		data, err := tr.Recv(context.Background())
		if err != nil {
			serverErr = err
			close(serverDone)
			return
		}
		serverErr = tr.Send(append([]byte("echo:"), data...))
		close(serverDone)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	clientTr := NewWebSocketTransport(clientConn)
	require.NoError(t, clientTr.Send([]byte("hello")))

	<-serverDone
	require.NoError(t, serverErr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := clientTr.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "echo:hello", string(reply))
}

func TestWebSocketTransportRecvHonorsContextCancellation(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Hold the connection open without sending anything.
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	tr := NewWebSocketTransport(clientConn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Recv(ctx)
	require.Error(t, err)
}
