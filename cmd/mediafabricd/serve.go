package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/bken-media/fabric/internal/bus"
	"github.com/bken-media/fabric/internal/config"
	"github.com/bken-media/fabric/internal/httpapi"
	"github.com/bken-media/fabric/internal/room"
	"github.com/bken-media/fabric/internal/session"
	"github.com/bken-media/fabric/internal/store"
	"github.com/bken-media/fabric/internal/telemetry"
	"github.com/bken-media/fabric/internal/transport"
	"github.com/bken-media/fabric/internal/wire"
)

// exit codes, per spec §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitTransportBind = 2
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the media relay server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgViper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mediafabricd: config:", err)
		os.Exit(exitConfigError)
	}
	initLogging(cfg.LogLevel)
	slog.Info("mediafabricd starting", "server_id", cfg.ServerID, "region", cfg.Region, "service_type", cfg.ServiceType)

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("open room metadata store", "err", err)
		os.Exit(exitConfigError)
	}
	defer st.Close()

	var natsBus *bus.Bus
	var roomBus room.Bus
	var telePub telemetry.Publisher
	if cfg.NATSURL != "" {
		natsBus, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("connect to NATS", "url", cfg.NATSURL, "err", err)
			os.Exit(exitConfigError)
		}
		defer natsBus.Close()
		roomBus = natsBus
		telePub = natsBus
		slog.Info("connected to NATS", "url", cfg.NATSURL)
	}

	rooms := room.NewRegistry(roomBus)
	rooms.SetLifecycleHooks(room.LifecycleHooks{
		OnStarted: func(roomID, creatorID string, atMs int64) {
			if err := st.RecordRoomStarted(context.Background(), roomID, creatorID, atMs); err != nil {
				slog.Warn("record room started", "room_id", roomID, "err", err)
			}
		},
		OnEnded: func(roomID string, atMs int64) {
			if err := st.RecordRoomEnded(context.Background(), roomID, atMs); err != nil {
				slog.Warn("record room ended", "room_id", roomID, "err", err)
			}
		},
	})

	connKey := telemetry.ConnectionKey{Region: cfg.Region, Service: cfg.ServiceType, Instance: cfg.ServerID}
	tracker := telemetry.NewTracker(connKey, telePub)

	aggregator := telemetry.NewAggregator(prometheus.DefaultRegisterer, 30*time.Second, 3*cfg.StatsInterval)
	var unsubConnections func()
	if natsBus != nil {
		unsubConnections, err = natsBus.SubscribeConnections(cfg.ServiceType, func(snapshot telemetry.ConnectionSnapshot) {
			aggregator.Ingest(snapshot, time.Now())
		})
		if err != nil {
			slog.Error("subscribe to fleet connection telemetry", "err", err)
			os.Exit(exitConfigError)
		}
		defer unsubConnections()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	sweepInterval := 5 * time.Second
	var lastSweep atomic.Int64
	lastSweep.Store(time.Now().UnixNano())

	go tracker.Run(ctx, cfg.StatsInterval)
	go sweepLoop(ctx, aggregator, sweepInterval, &lastSweep)

	live := func() bool {
		return time.Since(time.Unix(0, lastSweep.Load())) < 3*sweepInterval
	}
	admin := httpapi.New(live)
	adminAddr := fmt.Sprintf(":%d", cfg.MetricsPort)
	go func() {
		slog.Info("admin http listening", "addr", adminAddr)
		if err := admin.Start(adminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin http server", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = admin.Shutdown()
	}()

	tlsConfig, fingerprint, err := transport.GenerateSelfSignedTLSConfig(365*24*time.Hour, cfg.ServerID)
	if err != nil {
		slog.Error("generate TLS certificate", "err", err)
		os.Exit(exitConfigError)
	}
	slog.Info("generated self-signed TLS certificate", "fingerprint", fingerprint)

	wsSrv := transport.NewWebSocketServer(cfg.WSAddr, tlsConfig, cfg.ClientTimeout, newSessionHandler("websocket", rooms, tracker))
	wtSrv := transport.NewWebTransportServer(cfg.WebTransportAddr, tlsConfig, newSessionHandler("webtransport", rooms, tracker))

	errCh := make(chan error, 2)
	go func() { errCh <- wsSrv.Run(ctx) }()
	go func() { errCh <- wtSrv.Run(ctx) }()

	var bindErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			slog.Error("transport listener stopped with error", "err", err)
			bindErr = err
			cancel()
		}
	}
	if bindErr != nil {
		os.Exit(exitTransportBind)
	}

	slog.Info("mediafabricd stopped")
	return nil
}

// sweepLoop re-evaluates aggregator staleness on its own cadence so
// gauges decay even when the node has no NATS bus to receive fresh
// snapshots from. It stamps lastSweep on every tick; /health treats a
// lastSweep that hasn't moved in several intervals as evidence this
// goroutine died or deadlocked, and reports the process unhealthy.
func sweepLoop(ctx context.Context, agg *telemetry.Aggregator, interval time.Duration, lastSweep *atomic.Int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agg.Sweep(time.Now())
			lastSweep.Store(time.Now().UnixNano())
		}
	}
}

// newSessionHandler builds the SessionHandler passed to a transport
// listener, tagging every session it spawns with kind (used by
// telemetry.Tracker.ConnectionStarted's protocol field).
func newSessionHandler(kind string, rooms *room.Registry, tracker *telemetry.Tracker) transport.SessionHandler {
	return func(ctx context.Context, path transport.LobbyPath, conn transport.Transport) {
		sess := session.New(conn, kind, session.DefaultConfig(), rooms, logHealthSink{}, tracker)
		if err := sess.Run(ctx); err != nil {
			slog.Debug("session ended", "user_id", path.UserID, "meeting_id", path.MeetingID, "err", err)
		}
	}
}

// logHealthSink logs forwarded HEALTH packets; spec §4.1.4 only
// requires the server to forward them, so this sink is a passive
// observer rather than an admission-control or storage layer.
type logHealthSink struct{}

func (logHealthSink) HandleHealth(senderEmail string, pkt *wire.PacketWrapper) {
	slog.Debug("health packet forwarded", "sender", senderEmail, "bytes", len(pkt.Data))
}
