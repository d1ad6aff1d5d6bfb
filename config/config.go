// Package config loads application configuration via viper: built-in
// defaults, an optional YAML file, and ORBIT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "orbit"

// Config holds all application configuration.
type Config struct {
	// HTTP
	ListenAddr string `mapstructure:"listen_addr"`
	StaticDir  string `mapstructure:"static_dir"`

	// Dashboard auth
	AdminUser     string        `mapstructure:"admin_user"`
	AdminPassword string        `mapstructure:"admin_password"`
	TOTPSecret    string        `mapstructure:"totp_secret"` // optional second factor
	SessionTTL    time.Duration `mapstructure:"session_ttl"`

	// Broker (Dhan). Credentials may also come from the credentials file
	// written by the settings endpoint; see LoadCredentials.
	CredentialsFile string        `mapstructure:"credentials_file"`
	BrokerBaseURL   string        `mapstructure:"broker_base_url"`
	BrokerTimeout   time.Duration `mapstructure:"broker_timeout"`

	// Instrument family
	// Lot size is not configured here: it comes from the resolved contract.
	UnderlyingSymbol string `mapstructure:"underlying_symbol"`
	IndexSecurityID  int    `mapstructure:"index_security_id"`
	StrikeInterval   int    `mapstructure:"strike_interval"`

	// Scrip cache
	ScripMasterURL string        `mapstructure:"scrip_master_url"`
	CacheDir       string        `mapstructure:"cache_dir"`
	CacheValidity  time.Duration `mapstructure:"cache_validity"`
	RebuildTimeout time.Duration `mapstructure:"rebuild_timeout"`

	// Quote cache
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	QuoteTTL      time.Duration `mapstructure:"quote_ttl"`
	ThrottleEvery time.Duration `mapstructure:"throttle_every"`

	// Trade history
	SQLitePath string `mapstructure:"sqlite_path"`

	// Trade alerts (all optional)
	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`
	AlertWebhookURL  string `mapstructure:"alert_webhook_url"`

	// Logging
	LogLevel    string `mapstructure:"log_level"`
	LogEncoding string `mapstructure:"log_encoding"`

	// Start in mock (paper) mode
	MockMode bool `mapstructure:"mock_mode"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			// With SetConfigFile a missing file surfaces as fs.ErrNotExist,
			// not ConfigFileNotFoundError. Either way the file is optional.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("static_dir", "static")

	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_password", "admin")
	v.SetDefault("totp_secret", "")
	v.SetDefault("session_ttl", "24h")

	v.SetDefault("credentials_file", "data/credentials.json")
	v.SetDefault("broker_base_url", "https://api.dhan.co/v2")
	v.SetDefault("broker_timeout", "7s")

	v.SetDefault("underlying_symbol", "NIFTY")
	v.SetDefault("index_security_id", 13)
	v.SetDefault("strike_interval", 50)

	v.SetDefault("scrip_master_url", "https://images.dhan.co/api-data/api-scrip-master.csv")
	v.SetDefault("cache_dir", "cache")
	v.SetDefault("cache_validity", "12h")
	v.SetDefault("rebuild_timeout", "2m")

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("quote_ttl", "5s")
	v.SetDefault("throttle_every", "1s")

	v.SetDefault("sqlite_path", "data/trades.db")

	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_chat_id", "")
	v.SetDefault("alert_webhook_url", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "console")

	v.SetDefault("mock_mode", false)
}

func (c *Config) validate() error {
	if c.UnderlyingSymbol == "" {
		return fmt.Errorf("underlying_symbol must not be empty")
	}
	if c.StrikeInterval <= 0 {
		return fmt.Errorf("strike_interval must be positive, got %d", c.StrikeInterval)
	}
	if c.CacheValidity <= 0 {
		return fmt.Errorf("cache_validity must be positive, got %s", c.CacheValidity)
	}
	return nil
}
