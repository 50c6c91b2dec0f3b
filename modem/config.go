package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/loragw/at"
)

// Config holds the settings for one modem session.
type Config struct {
	// Dialer opens the transport. Required.
	Dialer Dialer
	// Profile is the response token set of the module firmware.
	// Defaults to at.DefaultProfile (Seeed LoRa-E5).
	Profile *at.Profile
	// ATTimeout is the per-attempt deadline for ordinary commands.
	ATTimeout time.Duration
	// JoinTimeout is the per-attempt deadline for AT+JOIN.
	JoinTimeout time.Duration
	// SendTimeout is the per-attempt deadline for uplinks and the grace
	// period granted to the ACK event of a confirmed uplink.
	SendTimeout time.Duration
	// InitTimeout bounds the whole initialization sequence in New.
	InitTimeout time.Duration
	// MaxRetries is the number of times a command is re-sent after a
	// timeout. Module errors are never retried.
	MaxRetries int
	// Logger receives protocol diagnostics (unrecognized lines, anomalies,
	// retries). Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Profile == nil {
		c.Profile = at.DefaultProfile()
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 20 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithProfile(p *at.Profile) *ConfigBuilder {
	b.config.Profile = p
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithJoinTimeout(d time.Duration) *ConfigBuilder {
	b.config.JoinTimeout = d
	return b
}

func (b *ConfigBuilder) WithSendTimeout(d time.Duration) *ConfigBuilder {
	b.config.SendTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.MaxRetries = n
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	config := b.config
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	config.setDefaults()
	return config, nil
}
