// Package config loads the sync daemon configuration from file and
// environment. Values come from an optional YAML file, overridable with
// SYNCD_-prefixed environment variables; every knob has a default so the
// daemon starts with no config at all.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig holds token validation settings. Token issuance is
// external; the daemon only verifies.
type AuthConfig struct {
	RequireAuth bool   `mapstructure:"require_auth"`
	JWTSecret   string `mapstructure:"jwt_secret"`
}

// SyncConfig tunes the collaborative transport
type SyncConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	MissedHeartbeats    int           `mapstructure:"missed_heartbeats"`
	ReconnectInitial    time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max"`
	SaveInterval        time.Duration `mapstructure:"save_interval"`
	RateLimitPerSecond  float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst      int           `mapstructure:"rate_limit_burst"`
	MessageLatencyMax   time.Duration `mapstructure:"message_latency_max"`
	EndToEndLatencyMax  time.Duration `mapstructure:"end_to_end_latency_max"`
	SendQueueSize       int           `mapstructure:"send_queue_size"`
	MaxMessageSizeBytes int64         `mapstructure:"max_message_size_bytes"`
}

// PresenceConfig tunes the awareness channel
type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CursorMinInterval time.Duration `mapstructure:"cursor_min_interval"`
}

// GraphConfig tunes the relationship transform engine
type GraphConfig struct {
	CyclePolicy   string `mapstructure:"cycle_policy"`   // permissive | strict
	StrengthMerge string `mapstructure:"strength_merge"` // lww | recency_weighted
}

// EmbeddingConfig tunes the vector consistency manager. An empty
// service URL disables embedding tracking.
type EmbeddingConfig struct {
	ServiceURL      string        `mapstructure:"service_url"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	CacheSize       int           `mapstructure:"cache_size"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

// RedisConfig holds the storage collaborator connection settings
type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Config is the complete daemon configuration
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Sync        SyncConfig      `mapstructure:"sync"`
	Presence    PresenceConfig  `mapstructure:"presence"`
	Graph       GraphConfig     `mapstructure:"graph"`
	Embedding   EmbeddingConfig `mapstructure:"embedding"`
	Redis       RedisConfig     `mapstructure:"redis"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("SYNCD_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/syncd.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		// The file is optional when environment variables cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "reading config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("server.listen_address", ":8085")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("auth.require_auth", true)
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("sync.heartbeat_interval", 30*time.Second)
	v.SetDefault("sync.missed_heartbeats", 3)
	v.SetDefault("sync.reconnect_initial", 500*time.Millisecond)
	v.SetDefault("sync.reconnect_max", 30*time.Second)
	v.SetDefault("sync.save_interval", 15*time.Second)
	v.SetDefault("sync.rate_limit_per_second", 100.0)
	v.SetDefault("sync.rate_limit_burst", 200)
	v.SetDefault("sync.message_latency_max", 50*time.Millisecond)
	v.SetDefault("sync.end_to_end_latency_max", 500*time.Millisecond)
	v.SetDefault("sync.send_queue_size", 256)
	v.SetDefault("sync.max_message_size_bytes", int64(1<<20))

	v.SetDefault("presence.heartbeat_interval", 30*time.Second)
	v.SetDefault("presence.timeout", 60*time.Second)
	v.SetDefault("presence.cursor_min_interval", 50*time.Millisecond)

	v.SetDefault("graph.cycle_policy", "permissive")
	v.SetDefault("graph.strength_merge", "lww")

	v.SetDefault("embedding.service_url", "")
	v.SetDefault("embedding.staleness_window", 2*time.Second)
	v.SetDefault("embedding.cache_size", 512)
	v.SetDefault("embedding.retry_max_elapsed", 30*time.Second)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
}
