package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal makes shopspring decimals usable as YAML config values. Amounts in
// config files are written as quoted strings so no float conversion ever
// touches them.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal value must be a YAML scalar")
	}
	if value.Value == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("cannot parse decimal %q: %w", value.Value, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (any, error) {
	return d.String(), nil
}

type Mode string

const (
	ModePaper  Mode = "paper"
	ModeStream Mode = "stream"
)

type Config struct {
	Mode        Mode          `yaml:"mode"`
	TradingPair string        `yaml:"trading_pair"`
	Tracker     TrackerConfig `yaml:"tracker"`
	Driver      DriverConfig  `yaml:"driver"`
	Stream      StreamConfig  `yaml:"stream"`
	Sim         SimConfig     `yaml:"sim"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Log         LogConfig     `yaml:"log"`
}

type TrackerConfig struct {
	LostOrderCountLimit int     `yaml:"lost_order_count_limit"`
	CompletionTolerance Decimal `yaml:"completion_tolerance"`
	CacheSize           int     `yaml:"cache_size"`
	CacheTTLSec         int64   `yaml:"cache_ttl_sec"`
}

type DriverConfig struct {
	PollIntervalSec         int64 `yaml:"poll_interval_sec"`
	MinOrderPollIntervalSec int64 `yaml:"min_order_poll_interval_sec"`
	MinFillPollIntervalSec  int64 `yaml:"min_fill_poll_interval_sec"`
	PushFreshnessWindowSec  int64 `yaml:"push_freshness_window_sec"`
}

type StreamConfig struct {
	WSURL        string `yaml:"ws_url"`
	KeepaliveSec int64  `yaml:"keepalive_sec"`
}

type SimConfig struct {
	FillDelaySec int64   `yaml:"fill_delay_sec"`
	FeeRate      Decimal `yaml:"fee_rate"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.TradingPair = strings.ToUpper(strings.TrimSpace(c.TradingPair))
	c.Stream.WSURL = strings.TrimSpace(c.Stream.WSURL)
	c.Metrics.ListenAddr = strings.TrimSpace(c.Metrics.ListenAddr)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.Tracker.LostOrderCountLimit == 0 {
		c.Tracker.LostOrderCountLimit = 3
	}
	if c.Tracker.CompletionTolerance.Cmp(decimal.Zero) == 0 {
		c.Tracker.CompletionTolerance = Decimal{decimal.RequireFromString("0.000001")}
	}
	if c.Tracker.CacheSize == 0 {
		c.Tracker.CacheSize = 1000
	}
	if c.Tracker.CacheTTLSec == 0 {
		c.Tracker.CacheTTLSec = 1800
	}
	if c.Driver.PollIntervalSec == 0 {
		c.Driver.PollIntervalSec = 5
	}
	if c.Driver.MinOrderPollIntervalSec == 0 {
		c.Driver.MinOrderPollIntervalSec = 10
	}
	if c.Driver.MinFillPollIntervalSec == 0 {
		c.Driver.MinFillPollIntervalSec = 30
	}
	if c.Driver.PushFreshnessWindowSec == 0 {
		c.Driver.PushFreshnessWindowSec = 15
	}
	if c.Stream.KeepaliveSec == 0 {
		c.Stream.KeepaliveSec = 15
	}
	if c.Sim.FillDelaySec == 0 {
		c.Sim.FillDelaySec = 10
	}
	if c.Sim.FeeRate.Cmp(decimal.Zero) == 0 {
		c.Sim.FeeRate = Decimal{decimal.RequireFromString("0.001")}
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeStream:
	default:
		return fmt.Errorf("mode must be paper or stream")
	}
	if c.TradingPair == "" {
		return fmt.Errorf("trading_pair is required")
	}
	if !isValidTradingPair(c.TradingPair) {
		return fmt.Errorf("trading_pair must look like BASE-QUOTE")
	}
	if c.Tracker.LostOrderCountLimit < 1 {
		return fmt.Errorf("tracker.lost_order_count_limit must be >= 1")
	}
	if c.Tracker.CompletionTolerance.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("tracker.completion_tolerance must be >= 0")
	}
	if c.Tracker.CacheSize < 1 {
		return fmt.Errorf("tracker.cache_size must be >= 1")
	}
	if c.Tracker.CacheTTLSec < 1 || c.Tracker.CacheTTLSec > 86400 {
		return fmt.Errorf("tracker.cache_ttl_sec must be between 1 and 86400")
	}
	if c.Driver.PollIntervalSec < 1 || c.Driver.PollIntervalSec > 3600 {
		return fmt.Errorf("driver.poll_interval_sec must be between 1 and 3600")
	}
	if c.Driver.MinOrderPollIntervalSec < 1 || c.Driver.MinOrderPollIntervalSec > 3600 {
		return fmt.Errorf("driver.min_order_poll_interval_sec must be between 1 and 3600")
	}
	if c.Driver.MinFillPollIntervalSec < 1 || c.Driver.MinFillPollIntervalSec > 3600 {
		return fmt.Errorf("driver.min_fill_poll_interval_sec must be between 1 and 3600")
	}
	if c.Driver.PushFreshnessWindowSec < 0 || c.Driver.PushFreshnessWindowSec > 3600 {
		return fmt.Errorf("driver.push_freshness_window_sec must be between 0 and 3600")
	}
	if c.Sim.FillDelaySec < 1 || c.Sim.FillDelaySec > 3600 {
		return fmt.Errorf("sim.fill_delay_sec must be between 1 and 3600")
	}
	if c.Sim.FeeRate.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("sim.fee_rate must be >= 0")
	}
	if c.Mode == ModeStream {
		if c.Stream.WSURL == "" {
			return fmt.Errorf("stream.ws_url is required for stream mode")
		}
		if err := validateURL(c.Stream.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("stream.ws_url %v", err)
		}
		if c.Stream.KeepaliveSec < 1 || c.Stream.KeepaliveSec > 300 {
			return fmt.Errorf("stream.keepalive_sec must be between 1 and 300")
		}
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be trace, debug, info, warn, or error")
	}
	return nil
}

func isValidTradingPair(v string) bool {
	parts := strings.Split(v, "-")
	if len(parts) != 2 {
		return false
	}
	for _, part := range parts {
		if len(part) < 2 || len(part) > 10 {
			return false
		}
		for _, r := range part {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				continue
			}
			return false
		}
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
