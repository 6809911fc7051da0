package esp

import (
	"log/slog"
)

// Config holds the device configuration settings.
type Config struct {
	// Transport is the byte connection to the module. Either Transport or
	// Dialer must be set; Transport wins when both are.
	Transport Transport
	// Dialer opens the Transport during New when Transport is nil.
	Dialer Dialer
	// Yield is called while the foreground spins on a response flag. Leave
	// nil for the cooperative single-thread mode, where yielding runs the
	// receive engine directly. Set it to a scheduler-level yield for the
	// two-thread mode, with Loop running the engine elsewhere.
	Yield func()
	// Logger receives debug traces of issued commands and engine events.
	// Defaults to a discarding logger.
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Transport == nil && c.Dialer == nil {
		return ErrNoTransport
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// ConfigBuilder assembles a Config incrementally.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns an empty builder.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

// WithTransport sets the byte transport directly.
func (b *ConfigBuilder) WithTransport(t Transport) *ConfigBuilder {
	b.config.Transport = t
	return b
}

// WithDialer sets the dialer used to open the transport.
func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

// WithYield installs a scheduler-level yield hook for the two-thread mode.
func (b *ConfigBuilder) WithYield(yield func()) *ConfigBuilder {
	b.config.Yield = yield
	return b
}

// WithLogger sets the debug logger.
func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// Build validates the assembled configuration and applies defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}
