package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the minimal capability a session needs from its
// underlying connection. It mirrors internal/session.Transport;
// duplicated here rather than imported to keep transport free of a
// dependency on session (spec §9's "polymorphism over decoders/
// transports" seam cuts both ways).
type Transport interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(data []byte) error
	SendRTT(data []byte) error
	Close() error
}

// SessionHandler is invoked once per accepted connection with the
// validated lobby path and a Transport wrapping it. It should block
// until the session's Run loop returns.
type SessionHandler func(ctx context.Context, path LobbyPath, conn Transport)

// WebSocketServer serves the WebSocket half of spec §4.6: every
// "/lobby/<user_id>/<meeting_id>" request is upgraded and handed to a
// SessionHandler; anything else is rejected before upgrade.
//
// Grounded on the teacher's server.go (NewServer/Run): same
// mux+http.Server+graceful-shutdown-on-context shape, generalized from
// a single fixed "/ws" route to lobby-path routing and parameterized
// TLS/timeouts.
type WebSocketServer struct {
	addr        string
	tlsConfig   *tls.Config
	idleTimeout time.Duration
	onSession   SessionHandler
}

func NewWebSocketServer(addr string, tlsConfig *tls.Config, idleTimeout time.Duration, onSession SessionHandler) *WebSocketServer {
	return &WebSocketServer{addr: addr, tlsConfig: tlsConfig, idleTimeout: idleTimeout, onSession: onSession}
}

// Run blocks, serving until ctx is canceled or the listener fails.
func (s *WebSocketServer) Run(ctx context.Context) error {
	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/lobby/", func(w http.ResponseWriter, r *http.Request) {
		path, err := ParseLobbyPath(r.URL.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("transport: websocket upgrade failed", "err", err)
			return
		}
		go s.onSession(ctx, path, NewWebSocketTransport(conn))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("mediafabricd"))
	})

	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("transport: websocket server shutdown", "err", err)
		}
	}()

	slog.Info("transport: websocket listening", "addr", s.addr)
	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
