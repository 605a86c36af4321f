package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a config file in a temp dir and returns
// its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `marketlens:
  name: "TestApp"
  version: "1.0"
feed:
  symbol: "ETHUSD"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketlens.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Marketlens.Name)
	}
	if cfg.Feed.Symbol != "ETHUSD" {
		t.Errorf("unexpected symbol: %s", cfg.Feed.Symbol)
	}
	if cfg.Feed.HeartbeatInterval != 30*time.Second {
		t.Errorf("unexpected heartbeat: %s", cfg.Feed.HeartbeatInterval)
	}
	if cfg.Book.MaxLevels != 20 || cfg.Trades.MaxTrades != 30 {
		t.Errorf("unexpected limits: %d levels, %d trades", cfg.Book.MaxLevels, cfg.Trades.MaxTrades)
	}
	if len(cfg.Feed.Tables) != 2 {
		t.Errorf("unexpected tables: %v", cfg.Feed.Tables)
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := writeTempConfig(t, `feed:
  subscribe_delay: 250ms
  heartbeat_interval: 5s
trades:
  highlight_duration: 1s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Feed.SubscribeDelay != 250*time.Millisecond {
		t.Errorf("unexpected subscribe delay: %s", cfg.Feed.SubscribeDelay)
	}
	if cfg.Trades.HighlightDuration != time.Second {
		t.Errorf("unexpected highlight: %s", cfg.Trades.HighlightDuration)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MARKETLENS_FEED_URL", "ws://localhost:9000/realtime")
	t.Setenv("MARKETLENS_SYMBOL", "XBTUSD")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadConfig(writeTempConfig(t, "feed:\n  symbol: ETHUSD\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Feed.URL != "ws://localhost:9000/realtime" {
		t.Errorf("unexpected url: %s", cfg.Feed.URL)
	}
	if cfg.Feed.Symbol != "XBTUSD" {
		t.Errorf("unexpected symbol: %s", cfg.Feed.Symbol)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 3 {
		t.Errorf("unexpected redis: %s/%d", cfg.Redis.Addr, cfg.Redis.DB)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"bad scheme", "feed:\n  url: https://example.com\n", "feed.url"},
		{"zero levels", "book:\n  max_levels: 0\n", "book.max_levels"},
		{"band", "book:\n  band_pct: 1.5\n", "book.band_pct"},
		{"fallback", "book:\n  fallback_min: 5\n  fallback_max: 1\n", "book.fallback_min"},
		{"archive without s3", "writer:\n  trades:\n    enabled: true\n", "writer.trades"},
		{"s3 bucket", "storage:\n  s3:\n    enabled: true\n    region: eu-west-1\n    bucket: \"\"\n", "storage.s3.bucket"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, c.content))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %s", err, c.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "PROD")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Fatalf("expected production, got %s", env)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatal("production should be production-like")
	}

	t.Setenv("APP_ENV", "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Fatalf("expected development, got %s", env)
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("custom.yml"); got != "custom.yml" {
		t.Fatalf("explicit path changed: %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("missing env file should fall back, got %s", got)
	}
}
