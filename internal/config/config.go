package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RateLimit struct {
	Messages int           `mapstructure:"messages"`
	Interval time.Duration `mapstructure:"interval"`
}

type Sync struct {
	DriftThreshold float64       `mapstructure:"drift_threshold"`
	Throttle       time.Duration `mapstructure:"throttle"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
}

type Signaling struct {
	ExchangeTTL   time.Duration `mapstructure:"exchange_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Backpressure tunes how many full send queues a member may hit within
// Window before it is kicked.
type Backpressure struct {
	Strikes int           `mapstructure:"strikes"`
	Window  time.Duration `mapstructure:"window"`
}

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	Secret         string        `mapstructure:"secret"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	RateLimit      RateLimit     `mapstructure:"rate_limit"`
	Sync           Sync          `mapstructure:"sync"`
	Signaling      Signaling     `mapstructure:"signaling"`
	Backpressure   Backpressure  `mapstructure:"backpressure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "watchparty-dev-secret")
	v.SetDefault("status_interval", "30s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rate_limit.messages", 30)
	v.SetDefault("rate_limit.interval", "1s")
	v.SetDefault("sync.drift_threshold", 2.0)
	v.SetDefault("sync.throttle", "1s")
	v.SetDefault("sync.heartbeat", "5s")
	v.SetDefault("signaling.exchange_ttl", "30s")
	v.SetDefault("signaling.sweep_interval", "5s")
	v.SetDefault("backpressure.strikes", 3)
	v.SetDefault("backpressure.window", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml if present. PORT in the
// environment always wins over the file.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	setDefaults(v)

	if err := v.BindEnv("port", "PORT"); err != nil {
		return nil, fmt.Errorf("bind PORT: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.SendBuffer <= 0:
		return fmt.Errorf("send_buffer must be positive")
	case c.RateLimit.Messages <= 0 || c.RateLimit.Interval <= 0:
		return fmt.Errorf("rate_limit must be positive")
	case c.Sync.Throttle <= 0 || c.Sync.Heartbeat <= 0 || c.Sync.DriftThreshold <= 0:
		return fmt.Errorf("sync settings must be positive")
	case c.Signaling.SweepInterval <= 0:
		return fmt.Errorf("signaling.sweep_interval must be positive")
	case c.Backpressure.Strikes <= 0 || c.Backpressure.Window <= 0:
		return fmt.Errorf("backpressure settings must be positive")
	}
	return nil
}
