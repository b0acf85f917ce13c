package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cfgViper layers CLI flags over the environment variables config.Load
// already binds, the way LanternOps-breeze's agent layers flags over
// its config file through a shared viper instance.
var cfgViper = viper.New()

var rootCmd = &cobra.Command{
	Use:   "mediafabricd",
	Short: "mediafabricd relays real-time audio, video, and screen-share media between meeting participants",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("nats-url", "", "NATS server URL for multi-node fan-out (env NATS_URL)")
	flags.String("region", "", "deployment region (env REGION)")
	flags.String("service-type", "", "service type label attached to this instance's telemetry (env SERVICE_TYPE)")
	flags.String("server-id", "", "this instance's identity; defaults to hostname (env SERVER_ID)")
	flags.Int("metrics-port", 0, "admin HTTP port serving /metrics and /health (env METRICS_PORT)")
	flags.String("ws-addr", "", "WebSocket listen address")
	flags.String("webtransport-addr", "", "WebTransport/HTTP3 listen address")
	flags.String("sqlite-path", "", "room metadata database path")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	for _, b := range []struct{ key, flag string }{
		{"nats_url", "nats-url"},
		{"region", "region"},
		{"service_type", "service-type"},
		{"server_id", "server-id"},
		{"metrics_port", "metrics-port"},
		{"ws_addr", "ws-addr"},
		{"webtransport_addr", "webtransport-addr"},
		{"sqlite_path", "sqlite-path"},
		{"log_level", "log-level"},
	} {
		_ = cfgViper.BindPFlag(b.key, flags.Lookup(b.flag))
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command, exiting 1 on any command-level error
// (spec §6's exit code for a configuration failure).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mediafabricd:", err)
		os.Exit(1)
	}
}
