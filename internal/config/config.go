// Package config loads the server's startup configuration from an optional
// YAML file and BRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPPort  string `mapstructure:"http_port"`
	HTTPSPort string `mapstructure:"https_port"`

	Backend struct {
		URL     string        `mapstructure:"url"`
		Token   string        `mapstructure:"token"`
		TeamID  string        `mapstructure:"team_id"`
		Fixture string        `mapstructure:"fixture"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"backend"`

	Poll struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"poll"`

	Layout struct {
		File string `mapstructure:"file"`
	} `mapstructure:"layout"`

	Timing struct {
		Enter          time.Duration `mapstructure:"enter"`
		Exit           time.Duration `mapstructure:"exit"`
		AntennaBuffer  time.Duration `mapstructure:"antenna_buffer"`
		AntennaTimeout time.Duration `mapstructure:"antenna_timeout"`
	} `mapstructure:"timing"`

	Auth struct {
		JWKSURL  string `mapstructure:"jwks_url"`
		Issuer   string `mapstructure:"issuer"`
		Audience string `mapstructure:"audience"`
		Secret   string `mapstructure:"secret"`
		DevMode  bool   `mapstructure:"dev_mode"`
	} `mapstructure:"auth"`

	Redis struct {
		Addr    string `mapstructure:"addr"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Tracing struct {
		Enabled     bool    `mapstructure:"enabled"`
		Exporter    string  `mapstructure:"exporter"`
		Endpoint    string  `mapstructure:"endpoint"`
		SampleRatio float64 `mapstructure:"sample_ratio"`
	} `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", "8080")
	v.SetDefault("https_port", "8443")
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.team_id", "")
	v.SetDefault("backend.fixture", "")
	v.SetDefault("backend.timeout", 10*time.Second)
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("layout.file", "")
	v.SetDefault("timing.enter", 750*time.Millisecond)
	v.SetDefault("timing.exit", 750*time.Millisecond)
	v.SetDefault("timing.antenna_buffer", 500*time.Millisecond)
	v.SetDefault("timing.antenna_timeout", 10*time.Second)
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.dev_mode", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "bridge-crew")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads path when it is non-empty, then overlays BRIDGE_* environment
// variables (BRIDGE_BACKEND_URL for backend.url, and so on).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks combinations viper cannot express.
func (c *Config) Validate() error {
	if c.Backend.URL == "" && c.Backend.Fixture == "" {
		return errors.New("config: one of backend.url or backend.fixture is required")
	}
	if !c.Auth.DevMode && c.Auth.JWKSURL == "" && c.Auth.Secret == "" {
		return errors.New("config: auth needs jwks_url or secret unless dev_mode is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sample_ratio %v out of range", c.Tracing.SampleRatio)
	}
	return nil
}
