package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Listen       string
	DataRoot     string
	TrackersMode string // all|http|udp|none

	WaitMetadata     time.Duration
	RequestTimeout   time.Duration
	ProgressInterval time.Duration
	TorrentIdleTTL   time.Duration
	ReadaheadSeconds int64

	RegistryCapacity int
	RegistryIdleTTL  time.Duration
	RegistrySweep    time.Duration

	PoolMaxPerStream int
	PoolInactivity   time.Duration
	PoolSweep        time.Duration
	PoolStreamIdle   time.Duration
	StreamIdleGrace  time.Duration

	ProxySecret          string
	ProxySecretGenerated bool
	ProxyBasePath        string
	ProxyMaxConnections  int
	ProxyPlaylistTimeout time.Duration
	ProxyDeadline        time.Duration
	ProxySegmentCacheMax int64

	DBEngine string // sqlite|postgres
	DBDSN    string

	MetricsEnabled bool

	Log Logging
}

type Logging struct {
	Level       string
	File        string
	MaxSizeMB   int
	MaxBackups  int
	Allow       string
	Deny        string
	DedupWindow time.Duration
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen", ":4001")
	v.SetDefault("torrent_data_root", "./vod-cache")
	v.SetDefault("trackers_mode", "udp")

	v.SetDefault("wait_metadata", 30*time.Second)
	v.SetDefault("worker_request_timeout", 30*time.Second)
	v.SetDefault("progress_interval", 2*time.Second)
	v.SetDefault("torrent_idle_ttl", 30*time.Minute)
	v.SetDefault("target_buffer_play_sec", 90)

	v.SetDefault("registry_capacity", 10)
	v.SetDefault("registry_idle_ttl", 30*time.Minute)
	v.SetDefault("registry_sweep", time.Minute)

	v.SetDefault("pool_max_per_stream", 5)
	v.SetDefault("pool_inactivity", 5*time.Minute)
	v.SetDefault("pool_sweep", time.Minute)
	v.SetDefault("pool_stream_idle", 5*time.Minute)
	v.SetDefault("stream_idle_grace", 30*time.Second)

	v.SetDefault("proxy_secret", "")
	v.SetDefault("proxy_base_path", "/proxy")
	v.SetDefault("proxy_max_connections", 100)
	v.SetDefault("proxy_playlist_timeout", 10*time.Second)
	v.SetDefault("proxy_deadline", 5*time.Minute)
	v.SetDefault("proxy_segment_cache_max", 10<<20)

	v.SetDefault("db_engine", "sqlite")
	v.SetDefault("db_dsn", "")

	v.SetDefault("metrics_enabled", true)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_allow", "")
	v.SetDefault("log_deny", `FlushFileBuffers|fsync|The handle is invalid|Access is denied`)
	v.SetDefault("log_dedup_window", 3*time.Second)
}

// Load reads .env (when present), then the optional config file, then the
// environment. Environment variables win.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configPath)
		}
	}

	cfg := &Config{
		Listen:       v.GetString("listen"),
		DataRoot:     v.GetString("torrent_data_root"),
		TrackersMode: strings.ToLower(v.GetString("trackers_mode")),

		WaitMetadata:     v.GetDuration("wait_metadata"),
		RequestTimeout:   v.GetDuration("worker_request_timeout"),
		ProgressInterval: v.GetDuration("progress_interval"),
		TorrentIdleTTL:   v.GetDuration("torrent_idle_ttl"),
		ReadaheadSeconds: v.GetInt64("target_buffer_play_sec"),

		RegistryCapacity: v.GetInt("registry_capacity"),
		RegistryIdleTTL:  v.GetDuration("registry_idle_ttl"),
		RegistrySweep:    v.GetDuration("registry_sweep"),

		PoolMaxPerStream: v.GetInt("pool_max_per_stream"),
		PoolInactivity:   v.GetDuration("pool_inactivity"),
		PoolSweep:        v.GetDuration("pool_sweep"),
		PoolStreamIdle:   v.GetDuration("pool_stream_idle"),
		StreamIdleGrace:  v.GetDuration("stream_idle_grace"),

		ProxySecret:          v.GetString("proxy_secret"),
		ProxyBasePath:        v.GetString("proxy_base_path"),
		ProxyMaxConnections:  v.GetInt("proxy_max_connections"),
		ProxyPlaylistTimeout: v.GetDuration("proxy_playlist_timeout"),
		ProxyDeadline:        v.GetDuration("proxy_deadline"),
		ProxySegmentCacheMax: v.GetInt64("proxy_segment_cache_max"),

		DBEngine: strings.ToLower(v.GetString("db_engine")),
		DBDSN:    v.GetString("db_dsn"),

		MetricsEnabled: v.GetBool("metrics_enabled"),

		Log: Logging{
			Level:       strings.ToLower(v.GetString("log_level")),
			File:        v.GetString("log_file"),
			MaxSizeMB:   v.GetInt("log_max_size_mb"),
			MaxBackups:  v.GetInt("log_max_backups"),
			Allow:       v.GetString("log_allow"),
			Deny:        v.GetString("log_deny"),
			DedupWindow: v.GetDuration("log_dedup_window"),
		},
	}

	if cfg.ProxySecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, errors.Wrap(err, "generate proxy secret")
		}
		cfg.ProxySecret = hex.EncodeToString(b)
		cfg.ProxySecretGenerated = true
	}
	if cfg.DBEngine == "sqlite" && cfg.DBDSN == "" {
		cfg.DBDSN = filepath.Join(cfg.DataRoot, "streamgate.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.TrackersMode {
	case "all", "http", "udp", "none":
	default:
		return fmt.Errorf("TRACKERS_MODE must be one of all|http|udp|none, got %q", c.TrackersMode)
	}
	switch c.DBEngine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_ENGINE must be sqlite or postgres, got %q", c.DBEngine)
	}
	if c.DBEngine == "postgres" && c.DBDSN == "" {
		return errors.New("DB_DSN is required for postgres")
	}
	if c.Listen == "" {
		return errors.New("LISTEN must not be empty")
	}
	if c.DataRoot == "" {
		return errors.New("TORRENT_DATA_ROOT must not be empty")
	}
	if !strings.HasPrefix(c.ProxyBasePath, "/") {
		return fmt.Errorf("PROXY_BASE_PATH must start with /, got %q", c.ProxyBasePath)
	}
	if c.RegistryCapacity <= 0 {
		return errors.New("REGISTRY_CAPACITY must be positive")
	}
	if c.ProxyMaxConnections <= 0 {
		return errors.New("PROXY_MAX_CONNECTIONS must be positive")
	}
	for name, d := range map[string]time.Duration{
		"WAIT_METADATA":          c.WaitMetadata,
		"WORKER_REQUEST_TIMEOUT": c.RequestTimeout,
		"PROXY_PLAYLIST_TIMEOUT": c.ProxyPlaylistTimeout,
		"PROXY_DEADLINE":         c.ProxyDeadline,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// EnsureDataRoot creates the torrent data directory.
func (c *Config) EnsureDataRoot() error {
	return errors.Wrap(os.MkdirAll(c.DataRoot, 0o755), "create data root")
}
