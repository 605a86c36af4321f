package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketlens MarketlensConfig `yaml:"marketlens"`
	Feed       FeedConfig       `yaml:"feed"`
	Book       BookConfig       `yaml:"book"`
	Trades     TradesConfig     `yaml:"trades"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Network    NetworkConfig    `yaml:"network"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Redis      RedisConfig      `yaml:"redis"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketlensConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// FeedConfig describes the upstream WebSocket feed and the timings of the
// connection state machine.
type FeedConfig struct {
	URL               string        `yaml:"url"`
	Symbol            string        `yaml:"symbol"`
	Tables            []string      `yaml:"tables"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	SubscribeDelay    time.Duration `yaml:"subscribe_delay"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	BusyDelay         time.Duration `yaml:"busy_delay"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
	CommandRate       float64       `yaml:"command_rate"`
	CommandBurst      int           `yaml:"command_burst"`
	ReadBufferBytes   int           `yaml:"read_buffer_bytes"`
}

type BookConfig struct {
	MaxLevels      int     `yaml:"max_levels"`
	BandPct        float64 `yaml:"band_pct"`
	FallbackMin    float64 `yaml:"fallback_min"`
	FallbackMax    float64 `yaml:"fallback_max"`
	ResortOnUpdate bool    `yaml:"resort_on_update"`
}

type TradesConfig struct {
	MaxTrades         int           `yaml:"max_trades"`
	HighlightDuration time.Duration `yaml:"highlight_duration"`
}

type ChannelsConfig struct {
	BookBuffer    int           `yaml:"book_buffer"`
	TradeBuffer   int           `yaml:"trade_buffer"`
	StateBuffer   int           `yaml:"state_buffer"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// NetworkConfig drives the presence monitor. ProbeAddr is dialed over TCP;
// an empty value derives host:port from the feed URL.
type NetworkConfig struct {
	ProbeAddr     string        `yaml:"probe_addr"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

type MetricsConfig struct {
	Emit           bool             `yaml:"emit"`
	ListenAddr     string           `yaml:"listen_addr"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// WriterConfig controls the write-only trade archive.
type WriterConfig struct {
	Trades TradeArchiveConfig `yaml:"trades"`
}

type TradeArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Prefix        string        `yaml:"prefix"`
	Compression   string        `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		Marketlens: MarketlensConfig{Name: "marketlens", Version: "dev"},
		Feed: FeedConfig{
			URL:               "wss://ws.bitmex.com/realtime",
			Symbol:            "XBTUSD",
			Tables:            []string{"orderBookL2", "trade"},
			HandshakeTimeout:  10 * time.Second,
			SubscribeDelay:    time.Second,
			HeartbeatInterval: 30 * time.Second,
			ReconnectDelay:    time.Second,
			BusyDelay:         time.Second,
			DefaultRetryAfter: time.Second,
			CommandRate:       1,
			CommandBurst:      5,
			ReadBufferBytes:   1 << 16,
		},
		Book: BookConfig{
			MaxLevels:   20,
			BandPct:     0.05,
			FallbackMin: 90000,
			FallbackMax: 120000,
		},
		Trades: TradesConfig{
			MaxTrades:         30,
			HighlightDuration: 200 * time.Millisecond,
		},
		Channels: ChannelsConfig{
			BookBuffer:    16,
			TradeBuffer:   16,
			StateBuffer:   8,
			StatsInterval: time.Minute,
		},
		Network: NetworkConfig{
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Metrics: MetricsConfig{
			Emit:           true,
			ReportInterval: time.Minute,
			CloudWatch: CloudWatchConfig{
				Namespace: "MarketLens",
				Dashboard: "MarketLens",
			},
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "marketlens",
		},
		Writer: WriterConfig{
			Trades: TradeArchiveConfig{
				BatchSize:     1000,
				FlushInterval: time.Minute,
				Prefix:        "trades",
				Compression:   "snappy",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("MARKETLENS_FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MARKETLENS_SYMBOL"); v != "" {
		config.Feed.Symbol = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Redis.DB = db
		}
	}

	// S3 credentials only matter when the archive uploads.
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketlens.Name == "" {
		return fmt.Errorf("marketlens.name is required")
	}
	if cfg.Marketlens.Version == "" {
		return fmt.Errorf("marketlens.version is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if u, err := url.Parse(cfg.Feed.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("feed.url '%s' must be a ws:// or wss:// URL", cfg.Feed.URL)
	}
	if cfg.Feed.Symbol == "" {
		return fmt.Errorf("feed.symbol is required")
	}
	if len(cfg.Feed.Tables) == 0 {
		return fmt.Errorf("feed.tables must name at least one table")
	}
	if cfg.Feed.SubscribeDelay < 0 {
		return fmt.Errorf("feed.subscribe_delay must not be negative")
	}
	if cfg.Feed.HeartbeatInterval <= 0 {
		return fmt.Errorf("feed.heartbeat_interval must be greater than 0")
	}
	if cfg.Feed.CommandRate <= 0 {
		return fmt.Errorf("feed.command_rate must be greater than 0")
	}
	if cfg.Feed.CommandBurst <= 0 {
		return fmt.Errorf("feed.command_burst must be greater than 0")
	}

	if cfg.Book.MaxLevels <= 0 {
		return fmt.Errorf("book.max_levels must be greater than 0")
	}
	if cfg.Book.BandPct <= 0 || cfg.Book.BandPct >= 1 {
		return fmt.Errorf("book.band_pct must be between 0 and 1")
	}
	if cfg.Book.FallbackMin > cfg.Book.FallbackMax {
		return fmt.Errorf("book.fallback_min must not exceed book.fallback_max")
	}

	if cfg.Trades.MaxTrades <= 0 {
		return fmt.Errorf("trades.max_trades must be greater than 0")
	}
	if cfg.Trades.HighlightDuration < 0 {
		return fmt.Errorf("trades.highlight_duration must not be negative")
	}

	if cfg.Channels.BookBuffer <= 0 {
		return fmt.Errorf("channels.book_buffer must be greater than 0")
	}
	if cfg.Channels.TradeBuffer <= 0 {
		return fmt.Errorf("channels.trade_buffer must be greater than 0")
	}
	if cfg.Channels.StateBuffer <= 0 {
		return fmt.Errorf("channels.state_buffer must be greater than 0")
	}

	if cfg.Network.ProbeInterval <= 0 {
		return fmt.Errorf("network.probe_interval must be greater than 0")
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if cfg.Writer.Trades.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("writer.trades requires storage.s3 to be enabled")
		}
		if cfg.Writer.Trades.BatchSize <= 0 {
			return fmt.Errorf("writer.trades.batch_size must be greater than 0")
		}
		if cfg.Writer.Trades.FlushInterval <= 0 {
			return fmt.Errorf("writer.trades.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
