package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "QUILL"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "quill.db"
	defaultLogLevel     = "info"
	defaultIssuer       = "quill"

	defaultRealtimePath         = "/ws/:roomType/:resourceID"
	defaultCleanupTimeoutS      = 300
	defaultSnapshotIntervalS    = 30
	defaultSnapshotMaxUpdates   = 500
	defaultSnapshotStorage      = "database"
	defaultSnapshotDir          = "snapshots"
	defaultSnapshotMaxAgeS      = 0
	defaultPresenceIdleTimeoutS = 600

	defaultMessagesPerSecond  = 50
	defaultConnectionsPerIP   = 20
	defaultConnectionsPerUser = 5
)

// RealtimeConfig captures the collaboration subsystem settings.
type RealtimeConfig struct {
	Enabled             bool
	Path                string
	CleanupTimeout      time.Duration
	SnapshotInterval    time.Duration
	SnapshotMaxUpdates  int
	SnapshotStorage     string
	SnapshotDir         string
	SnapshotMaxAge      time.Duration
	PresenceIdleTimeout time.Duration
}

// RateLimitConfig captures the throttle thresholds. Zero disables a limit.
type RateLimitConfig struct {
	MessagesPerSecond  int
	ConnectionsPerIP   int
	ConnectionsPerUser int
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AuthSigningKey string
	AuthIssuer     string
	Realtime       RealtimeConfig
	RateLimit      RateLimitConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)

	configViper.SetDefault("realtime.enabled", true)
	configViper.SetDefault("realtime.path", defaultRealtimePath)
	configViper.SetDefault("realtime.cleanup_timeout_s", defaultCleanupTimeoutS)
	configViper.SetDefault("realtime.snapshot_interval_s", defaultSnapshotIntervalS)
	configViper.SetDefault("realtime.snapshot_max_updates", defaultSnapshotMaxUpdates)
	configViper.SetDefault("realtime.snapshot_storage", defaultSnapshotStorage)
	configViper.SetDefault("realtime.snapshot_dir", defaultSnapshotDir)
	configViper.SetDefault("realtime.snapshot_max_age_s", defaultSnapshotMaxAgeS)
	configViper.SetDefault("realtime.presence_idle_timeout_s", defaultPresenceIdleTimeoutS)

	configViper.SetDefault("ratelimit.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("ratelimit.connections_per_ip", defaultConnectionsPerIP)
	configViper.SetDefault("ratelimit.connections_per_user", defaultConnectionsPerUser)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AuthSigningKey: configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		Realtime: RealtimeConfig{
			Enabled:             configViper.GetBool("realtime.enabled"),
			Path:                configViper.GetString("realtime.path"),
			CleanupTimeout:      secondsDuration(configViper.GetInt("realtime.cleanup_timeout_s")),
			SnapshotInterval:    secondsDuration(configViper.GetInt("realtime.snapshot_interval_s")),
			SnapshotMaxUpdates:  configViper.GetInt("realtime.snapshot_max_updates"),
			SnapshotStorage:     configViper.GetString("realtime.snapshot_storage"),
			SnapshotDir:         configViper.GetString("realtime.snapshot_dir"),
			SnapshotMaxAge:      secondsDuration(configViper.GetInt("realtime.snapshot_max_age_s")),
			PresenceIdleTimeout: secondsDuration(configViper.GetInt("realtime.presence_idle_timeout_s")),
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond:  configViper.GetInt("ratelimit.messages_per_second"),
			ConnectionsPerIP:   configViper.GetInt("ratelimit.connections_per_ip"),
			ConnectionsPerUser: configViper.GetInt("ratelimit.connections_per_user"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Realtime.Enabled {
		if strings.TrimSpace(c.Realtime.Path) == "" {
			return fmt.Errorf("realtime.path is required when realtime is enabled")
		}
		switch c.Realtime.SnapshotStorage {
		case "database":
		case "filesystem":
			if strings.TrimSpace(c.Realtime.SnapshotDir) == "" {
				return fmt.Errorf("realtime.snapshot_dir is required for filesystem snapshot storage")
			}
		default:
			return fmt.Errorf("realtime.snapshot_storage must be \"database\" or \"filesystem\"")
		}
	}
	return nil
}

func secondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
