package libchannel

import (
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default values for optional configuration fields.
const (
	DefaultURL            = "http://localhost:10000"
	DefaultConnectTimeout = 15 * time.Second
	DefaultRecoverDelay   = time.Second
	DefaultPingInterval   = 25 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultAckTimeout     = 10 * time.Second
	DefaultHealthInterval = 30 * time.Second
)

// Config is set once per Manager, at creation.
type Config struct {
	URL              string        `yaml:"url"`
	Channel          string        `yaml:"channel"`
	AutoConnect      bool          `yaml:"auto_connect"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	BaseRetryDelay   time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	RecoverDelay     time.Duration `yaml:"recover_delay"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	// PongTimeout drops a silent connection as a transport error. Zero means twice PingInterval.
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	// EmitRateLimit caps outbound events per second. Zero disables throttling.
	EmitRateLimit float64 `yaml:"emit_rate_limit"`
	EmitBurst     int     `yaml:"emit_burst"`
}

// DefaultConfig returns a config for the default channel with every default applied.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.BaseRetryDelay == 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RecoverDelay == 0 {
		c.RecoverDelay = DefaultRecoverDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.EmitRateLimit > 0 && c.EmitBurst == 0 {
		c.EmitBurst = 1
	}
}

// Validate checks that values are usable. Defaults must have been applied.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "url: %s", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return errors.Wrapf(ErrInvalidConfig, "url scheme must be ws, wss, http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return errors.Wrap(ErrInvalidConfig, "url host is required")
	}

	if c.MaxRetryAttempts < 1 {
		return errors.Wrap(ErrInvalidConfig, "max_retry_attempts must be >= 1")
	}
	if c.BaseRetryDelay <= 0 {
		return errors.Wrap(ErrInvalidConfig, "base_retry_delay must be > 0")
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		return errors.Wrapf(ErrInvalidConfig, "max_retry_delay (%s) must be >= base_retry_delay (%s)",
			c.MaxRetryDelay, c.BaseRetryDelay)
	}
	if c.ConnectTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "connect_timeout must be > 0")
	}
	if c.PongTimeout < 0 {
		return errors.Wrap(ErrInvalidConfig, "pong_timeout must be >= 0")
	}
	if c.RecoverDelay < 0 {
		return errors.Wrap(ErrInvalidConfig, "recover_delay must be >= 0")
	}
	if c.EmitRateLimit < 0 {
		return errors.Wrap(ErrInvalidConfig, "emit_rate_limit must be >= 0")
	}

	return nil
}

func (c Config) parsedURL() url.URL {
	u, err := url.Parse(c.URL)
	if err != nil || u == nil {
		return url.URL{}
	}
	return *u
}

// policy builds the backoff policy of this config.
func (c Config) policy() Policy {
	return NewPolicy(c.BaseRetryDelay, c.MaxRetryDelay, c.MaxRetryAttempts)
}

// withOverrides returns c with every non-zero field of o applied on top.
func (c Config) withOverrides(o Config) Config {
	if o.URL != "" {
		c.URL = o.URL
	}
	if o.Channel != "" {
		c.Channel = o.Channel
	}
	if o.AutoConnect {
		c.AutoConnect = true
	}
	if o.MaxRetryAttempts != 0 {
		c.MaxRetryAttempts = o.MaxRetryAttempts
	}
	if o.BaseRetryDelay != 0 {
		c.BaseRetryDelay = o.BaseRetryDelay
	}
	if o.MaxRetryDelay != 0 {
		c.MaxRetryDelay = o.MaxRetryDelay
	}
	if o.ConnectTimeout != 0 {
		c.ConnectTimeout = o.ConnectTimeout
	}
	if o.RecoverDelay != 0 {
		c.RecoverDelay = o.RecoverDelay
	}
	if o.PingInterval != 0 {
		c.PingInterval = o.PingInterval
	}
	if o.PongTimeout != 0 {
		c.PongTimeout = o.PongTimeout
	}
	if o.WriteTimeout != 0 {
		c.WriteTimeout = o.WriteTimeout
	}
	if o.AckTimeout != 0 {
		c.AckTimeout = o.AckTimeout
	}
	if o.EmitRateLimit != 0 {
		c.EmitRateLimit = o.EmitRateLimit
	}
	if o.EmitBurst != 0 {
		c.EmitBurst = o.EmitBurst
	}
	return c
}

// RegistryConfig holds the defaults shared by every channel plus per-channel overrides.
type RegistryConfig struct {
	Defaults Config            `yaml:"defaults"`
	Channels map[string]Config `yaml:"channels"`
}

// ChannelConfig resolves the effective config of channel name.
func (rc RegistryConfig) ChannelConfig(name string) Config {
	c := rc.Defaults
	if o, ok := rc.Channels[name]; ok {
		c = c.withOverrides(o)
	}
	c.Channel = name
	c.applyDefaults()
	return c
}

// Validate validates the defaults and every configured channel.
func (rc RegistryConfig) Validate() error {
	defaults := rc.Defaults
	defaults.applyDefaults()
	if err := defaults.Validate(); err != nil {
		return errors.Wrap(err, "defaults")
	}
	for name := range rc.Channels {
		if err := rc.ChannelConfig(name).Validate(); err != nil {
			return errors.Wrapf(err, "channels.%s", name)
		}
	}
	return nil
}

// LoadConfig reads a YAML config file, expands ${VAR} environment variables and validates it.
func LoadConfig(path string) (*RegistryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	return ParseConfig(data)
}

// ParseConfig is LoadConfig over an in-memory document.
func ParseConfig(data []byte) (*RegistryConfig, error) {
	expanded := os.ExpandEnv(string(data))

	var rc RegistryConfig
	if err := yaml.Unmarshal([]byte(expanded), &rc); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	rc.Defaults.applyDefaults()

	if err := rc.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}

	return &rc, nil
}
