// Package config loads relay settings from defaults, an optional YAML file and RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Delivery modes.
const (
	ModeQueue  = "queue"
	ModeInline = "inline"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Redis    RedisConfig    `mapstructure:"redis" json:"redis"`
	NATS     NATSConfig     `mapstructure:"nats" json:"nats"`
	Delivery DeliveryConfig `mapstructure:"delivery" json:"delivery"`
	Inbound  InboundConfig  `mapstructure:"inbound" json:"inbound"`
	Auth     AuthConfig     `mapstructure:"auth" json:"auth"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" json:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" json:"shutdownTimeout"`
	Debug             bool          `mapstructure:"debug" json:"debug"`
}

// DatabaseConfig selects the store. An empty URL uses the in-memory store.
type DatabaseConfig struct {
	URL     string `mapstructure:"url" json:"url"`
	Migrate bool   `mapstructure:"migrate" json:"migrate"`
}

// RedisConfig enables the durable delivery queue and the cross-instance broker.
type RedisConfig struct {
	URL      string `mapstructure:"url" json:"url"`
	QueueKey string `mapstructure:"queue_key" json:"queueKey"`
	Channel  string `mapstructure:"channel" json:"channel"`
}

// NATSConfig enables the domain event consumer.
type NATSConfig struct {
	URL     string `mapstructure:"url" json:"url"`
	Subject string `mapstructure:"subject" json:"subject"`
	Queue   string `mapstructure:"queue" json:"queue"`
}

type DeliveryConfig struct {
	Mode         string          `mapstructure:"mode" json:"mode"`
	Timeout      time.Duration   `mapstructure:"timeout" json:"timeout"`
	Schedule     []time.Duration `mapstructure:"schedule" json:"schedule"`
	Workers      int             `mapstructure:"workers" json:"workers"`
	PollInterval time.Duration   `mapstructure:"poll_interval" json:"pollInterval"`
	Batch        int             `mapstructure:"batch" json:"batch"`
	BodyLimit    int64           `mapstructure:"body_limit" json:"bodyLimit"`
	UserAgent    string          `mapstructure:"user_agent" json:"userAgent"`
	// SweepInterval and SweepGrace control recovery of deliveries whose queue
	// job was lost. SweepGrace must exceed Timeout.
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweepInterval"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace" json:"sweepGrace"`
}

type InboundConfig struct {
	ToleranceSeconds int64             `mapstructure:"tolerance_seconds" json:"toleranceSeconds"`
	RateRPS          float64           `mapstructure:"rate_rps" json:"rateRps"`
	RateBurst        int               `mapstructure:"rate_burst" json:"rateBurst"`
	Secrets          []InboundSecret   `mapstructure:"secrets" json:"-"`
	MaxBodyBytes     int64             `mapstructure:"max_body_bytes" json:"maxBodyBytes"`
}

// InboundSecret pins one provider's signing secret for one tenant. Secrets can
// also be stored per tenant with `relay inbound-secret`.
type InboundSecret struct {
	Tenant   string `mapstructure:"tenant"`
	Provider string `mapstructure:"provider"`
	Secret   string `mapstructure:"secret"`
}

// AuthConfig selects how bearer tokens are resolved to principals.
type AuthConfig struct {
	Mode   string `mapstructure:"mode" json:"mode"` // dev | hmac
	Secret string `mapstructure:"secret" json:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.debug", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.queue_key", "relay:deliveries:due")
	v.SetDefault("redis.channel", "relay:deliveries:outcomes")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "relay.events.>")
	v.SetDefault("nats.queue", "relay")

	v.SetDefault("delivery.mode", ModeQueue)
	v.SetDefault("delivery.timeout", "10s")
	v.SetDefault("delivery.schedule", []string{"1s", "10s", "60s"})
	v.SetDefault("delivery.workers", 8)
	v.SetDefault("delivery.poll_interval", "500ms")
	v.SetDefault("delivery.batch", 32)
	v.SetDefault("delivery.body_limit", 10000)
	v.SetDefault("delivery.user_agent", "relay-webhooks/1.0")
	v.SetDefault("delivery.sweep_interval", "1m")
	v.SetDefault("delivery.sweep_grace", "2m")

	v.SetDefault("inbound.tolerance_seconds", 300)
	v.SetDefault("inbound.rate_rps", 20)
	v.SetDefault("inbound.rate_burst", 40)
	v.SetDefault("inbound.max_body_bytes", 1<<20)

	v.SetDefault("auth.mode", "dev")
	v.SetDefault("auth.secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from path (optional) and environment variables.
// RELAY_DELIVERY_TIMEOUT overrides delivery.timeout and so on.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Delivery.Mode {
	case ModeQueue, ModeInline:
	default:
		errs = append(errs, fmt.Errorf("delivery.mode must be %q or %q, got %q", ModeQueue, ModeInline, c.Delivery.Mode))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, errors.New("delivery.timeout must be positive"))
	}
	for i, d := range c.Delivery.Schedule {
		if d < 0 {
			errs = append(errs, fmt.Errorf("delivery.schedule[%d] is negative", i))
		}
	}
	if c.Delivery.Workers < 1 {
		errs = append(errs, errors.New("delivery.workers must be at least 1"))
	}
	if c.Delivery.BodyLimit <= 0 {
		errs = append(errs, errors.New("delivery.body_limit must be positive"))
	}
	if c.Delivery.PollInterval <= 0 {
		errs = append(errs, errors.New("delivery.poll_interval must be positive"))
	}
	if c.Delivery.Batch < 1 {
		errs = append(errs, errors.New("delivery.batch must be at least 1"))
	}
	if c.Delivery.SweepInterval < 0 {
		errs = append(errs, errors.New("delivery.sweep_interval must not be negative"))
	}
	if c.Delivery.SweepGrace <= c.Delivery.Timeout {
		errs = append(errs, errors.New("delivery.sweep_grace must exceed delivery.timeout"))
	}
	for i, s := range c.Inbound.Secrets {
		if s.Tenant == "" || s.Secret == "" {
			errs = append(errs, fmt.Errorf("inbound.secrets[%d] needs tenant and secret", i))
		}
		switch s.Provider {
		case "billing", "issues":
		default:
			errs = append(errs, fmt.Errorf("inbound.secrets[%d] has unknown provider %q", i, s.Provider))
		}
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret is required in hmac mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not supported", c.Auth.Mode))
	}
	return errors.Join(errs...)
}
