// Package config loads broker, worker and producer settings.
//
// Values come, lowest precedence first, from built-in defaults, an optional
// config file, XSPIDER_* environment variables and command-line flags bound
// by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eps3/xspider/internal/rpc"
)

// EnvPrefix prefixes every environment variable, e.g. XSPIDER_PORT.
const EnvPrefix = "XSPIDER"

// Config holds every tunable of the three binaries. Each binary reads the subset it needs.
type Config struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
	Debug  bool   `mapstructure:"debug"`
	Codec  string `mapstructure:"codec"`

	// Broker.
	Queues         []string      `mapstructure:"queues"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`
	HandshakeRate  float64       `mapstructure:"handshake_rate"`
	HandshakeBurst float64       `mapstructure:"handshake_burst"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	EventsChannel  string        `mapstructure:"events_channel"`

	// Clients.
	ConnectAttempts uint          `mapstructure:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	Queue           string        `mapstructure:"queue"`
	Workers         int           `mapstructure:"workers"`
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", 19002)
	v.SetDefault("secret", "")
	v.SetDefault("debug", false)
	v.SetDefault("codec", rpc.CodecNameMsgpack)
	v.SetDefault("queues", []string{})
	v.SetDefault("drain_interval", 2*time.Second)
	v.SetDefault("handshake_rate", 0.0)
	v.SetDefault("handshake_burst", 10.0)
	v.SetDefault("redis_addr", "")
	v.SetDefault("events_channel", "xspider:events")
	v.SetDefault("connect_attempts", uint(1))
	v.SetDefault("connect_delay", time.Second)
	v.SetDefault("queue", "")
	v.SetDefault("workers", 10)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file, binds flags (flag names use dashes,
// keys use underscores) and decodes the result.
func Load(v *viper.Viper, file string, flags *pflag.FlagSet) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings no binary can run with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !rpc.ValidCodec(c.Codec) {
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	if c.DrainInterval <= 0 {
		return errors.New("drain_interval must be positive")
	}
	if c.HandshakeRate < 0 {
		return errors.New("handshake_rate must not be negative")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	return nil
}
