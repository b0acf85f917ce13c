// Package config binds the environment variables of spec §6 via
// github.com/spf13/viper, the way LanternOps-breeze's agent binds its
// flags/config file through cobra+viper.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration, after defaults
// and environment overrides are applied.
type Config struct {
	NATSURL          string
	Region           string
	ServiceType      string
	ServerID         string
	MetricsPort      int
	StatsInterval    time.Duration
	ClientTimeout    time.Duration
	WSAddr           string
	WebTransportAddr string
	SQLitePath       string
	LogLevel         string
}

// Load reads spec §6's environment variables (with sane defaults) into
// a Config. Any explicit value set on v (e.g. from a --config file or
// CLI flags bound by cmd/mediafabricd) takes precedence.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("region", "local")
	v.SetDefault("service_type", "fabric")
	v.SetDefault("metrics_port", 9091)
	v.SetDefault("server_stats_interval_secs", 5)
	v.SetDefault("client_timeout_ms", 15000)
	v.SetDefault("ws_addr", ":8443")
	v.SetDefault("webtransport_addr", ":8444")
	v.SetDefault("sqlite_path", "./fabric.db")
	v.SetDefault("log_level", "info")

	_ = v.BindEnv("nats_url", "NATS_URL")
	_ = v.BindEnv("region", "REGION")
	_ = v.BindEnv("service_type", "SERVICE_TYPE")
	_ = v.BindEnv("server_id", "SERVER_ID")
	_ = v.BindEnv("hostname_fallback", "HOSTNAME")
	_ = v.BindEnv("metrics_port", "METRICS_PORT")
	_ = v.BindEnv("server_stats_interval_secs", "SERVER_STATS_INTERVAL_SECS")
	_ = v.BindEnv("client_timeout_ms", "CLIENT_TIMEOUT_MS")

	serverID := v.GetString("server_id")
	if serverID == "" {
		serverID = v.GetString("hostname_fallback")
	}
	if serverID == "" {
		if h, err := os.Hostname(); err == nil {
			serverID = h
		}
	}

	cfg := Config{
		NATSURL:          v.GetString("nats_url"),
		Region:           v.GetString("region"),
		ServiceType:      v.GetString("service_type"),
		ServerID:         serverID,
		MetricsPort:      v.GetInt("metrics_port"),
		StatsInterval:    time.Duration(v.GetInt("server_stats_interval_secs")) * time.Second,
		ClientTimeout:    time.Duration(v.GetInt("client_timeout_ms")) * time.Millisecond,
		WSAddr:           v.GetString("ws_addr"),
		WebTransportAddr: v.GetString("webtransport_addr"),
		SQLitePath:       v.GetString("sqlite_path"),
		LogLevel:         v.GetString("log_level"),
	}

	if cfg.ServerID == "" {
		return cfg, fmt.Errorf("config: could not determine a server id (set SERVER_ID or HOSTNAME)")
	}
	return cfg, nil
}
