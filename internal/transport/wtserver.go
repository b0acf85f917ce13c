package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// WebTransportServer serves the WebTransport/HTTP-3 half of spec
// §4.6, accepting the same "/lobby/<user_id>/<meeting_id>" path
// convention as WebSocketServer and handing each established session
// to a SessionHandler.
//
// The teacher never ran a WebTransport server (it was a client of
// one, per client.go); this listener shape follows quic-go/
// webtransport-go's own documented server pattern (an http3.Server
// wrapped by webtransport.Server, upgrading matched requests).
type WebTransportServer struct {
	addr      string
	tlsConfig *tls.Config
	onSession SessionHandler

	wt *webtransport.Server
}

func NewWebTransportServer(addr string, tlsConfig *tls.Config, onSession SessionHandler) *WebTransportServer {
	return &WebTransportServer{addr: addr, tlsConfig: tlsConfig, onSession: onSession}
}

// Run blocks, serving until ctx is canceled or the listener fails.
func (s *WebTransportServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	wt := &webtransport.Server{
		H3: http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
	}
	s.wt = wt

	mux.HandleFunc("/lobby/", func(w http.ResponseWriter, r *http.Request) {
		path, err := ParseLobbyPath(r.URL.Path)
		if err != nil {
			w.WriteHeader(H3StatusBadPath)
			return
		}
		sess, err := wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("transport: webtransport upgrade failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go s.onSession(ctx, path, NewWebTransportTransport(sess))
	})

	go func() {
		<-ctx.Done()
		_ = wt.Close()
	}()

	slog.Info("transport: webtransport listening", "addr", s.addr)
	err := wt.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
