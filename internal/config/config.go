package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8022"`
	ProfilesPath string `envconfig:"PROFILES_PATH" default:""`

	// Transport
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`

	// Pool cleanup runs on a fixed period, independent of the persisted idle timeout.
	PoolCleanupInterval time.Duration `envconfig:"POOL_CLEANUP_INTERVAL" default:"30s"`

	// Retry and reconnect policy
	RetryMaxAttempts     int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	BackoffBase          time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax           time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	BackoffJitter        float64       `envconfig:"BACKOFF_JITTER" default:"0.2"`
	BackoffExponential   bool          `envconfig:"BACKOFF_EXPONENTIAL" default:"true"`
	ReconnectEnabled     bool          `envconfig:"RECONNECT_ENABLED" default:"true"`
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`

	// Network availability probe; empty address disables pause/resume.
	NetworkProbeAddr     string        `envconfig:"NETWORK_PROBE_ADDR" default:""`
	NetworkProbeInterval time.Duration `envconfig:"NETWORK_PROBE_INTERVAL" default:"10s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHMGR", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// DatabaseFile returns the configured database path, defaulting to a file
// under DataPath.
func (s Settings) DatabaseFile() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "sshmanager.db")
}

// LogFile returns the configured log path, defaulting to a file under DataPath.
func (s Settings) LogFile() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "sshmanager.log")
}
