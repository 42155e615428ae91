package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Trendict   TrendictConfig   `yaml:"trendict"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Market     MarketConfig     `yaml:"market"`
	KIS        KISConfig        `yaml:"kis"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Poller     PollerConfig     `yaml:"poller"`
	Prediction PredictionConfig `yaml:"prediction"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TrendictConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer  int `yaml:"raw_buffer"`
	NormBuffer int `yaml:"norm_buffer"`
}

type MarketConfig struct {
	Symbol       string        `yaml:"symbol"`
	Timezone     string        `yaml:"timezone"`
	SessionOpen  string        `yaml:"session_open"`  // HH:MM, inclusive
	SessionClose string        `yaml:"session_close"` // HH:MM, inclusive
	BucketWidth  time.Duration `yaml:"bucket_width"`
	WeekdaysOnly bool          `yaml:"weekdays_only"`
}

type SubscriptionConfig struct {
	TrID string `yaml:"tr_id"`
	Key  string `yaml:"tr_key"`
}

type KISConfig struct {
	BaseURL           string               `yaml:"base_url"`
	WSURL             string               `yaml:"ws_url"`
	AppKey            string               `yaml:"app_key"`
	AppSecret         string               `yaml:"app_secret"`
	ReconnectDelay    time.Duration        `yaml:"reconnect_delay"`
	RequestsPerSecond int                  `yaml:"requests_per_second"`
	Subscriptions     []SubscriptionConfig `yaml:"subscriptions"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type PollerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

type PredictionConfig struct {
	Delay time.Duration `yaml:"delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{RawBuffer: 1024, NormBuffer: 1024},
		Market: MarketConfig{
			Timezone:     "Asia/Seoul",
			SessionOpen:  "09:00",
			SessionClose: "15:30",
			BucketWidth:  5 * time.Minute,
		},
		KIS: KISConfig{
			ReconnectDelay:    5 * time.Second,
			RequestsPerSecond: 2,
		},
		Poller: PollerConfig{Cron: "*/5 * * * *"},
		Prediction: PredictionConfig{
			Delay: 3 * time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials and paths come from the environment when set
	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		config.KIS.AppKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		config.KIS.AppSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		config.Storage.SQLitePath = strings.TrimSpace(v)
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		config.Server.Addr = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Trendict.Name == "" {
		return fmt.Errorf("trendict.name is required")
	}

	if cfg.Trendict.Version == "" {
		return fmt.Errorf("trendict.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.NormBuffer <= 0 {
		return fmt.Errorf("channels.norm_buffer must be greater than 0")
	}

	if cfg.Market.Symbol == "" {
		return fmt.Errorf("market.symbol is required")
	}
	if cfg.Market.BucketWidth <= 0 {
		return fmt.Errorf("market.bucket_width must be greater than 0")
	}

	openH, openM, err := ParseClock(cfg.Market.SessionOpen)
	if err != nil {
		return fmt.Errorf("market.session_open: %w", err)
	}
	closeH, closeM, err := ParseClock(cfg.Market.SessionClose)
	if err != nil {
		return fmt.Errorf("market.session_close: %w", err)
	}
	if openH*60+openM >= closeH*60+closeM {
		return fmt.Errorf("market.session_open must precede market.session_close")
	}

	if cfg.KIS.BaseURL == "" {
		return fmt.Errorf("kis.base_url is required")
	}
	if cfg.KIS.WSURL == "" {
		return fmt.Errorf("kis.ws_url is required")
	}
	if cfg.KIS.RequestsPerSecond <= 0 {
		return fmt.Errorf("kis.requests_per_second must be greater than 0")
	}

	return nil
}

// ParseClock parses an HH:MM wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock value '%s'", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock value '%s'", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock value '%s'", s)
	}
	return hour, minute, nil
}
