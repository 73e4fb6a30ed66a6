package cdp

import (
	"errors"
	"log/slog"
	"time"
)

// Config controls how the CDP adapter discovers and talks to an application.
type Config struct {
	// DiscoveryRetries bounds retries of the /json/version lookup.
	// Negative disables retries.
	DiscoveryRetries int
	DiscoveryTimeout time.Duration
	// OperationTimeout applies to every command whose ctx has no deadline.
	OperationTimeout time.Duration
	// PollInterval paces WaitUntilTextExists.
	PollInterval time.Duration
	// MaxMessageBytes caps a single inbound protocol message.
	MaxMessageBytes int64
	Logger          *slog.Logger
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		DiscoveryRetries: 3,
		DiscoveryTimeout: 5 * time.Second,
		OperationTimeout: 30 * time.Second,
		PollInterval:     100 * time.Millisecond,
		MaxMessageBytes:  16 << 20,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	switch {
	case c.DiscoveryRetries > 0:
		defaults.DiscoveryRetries = c.DiscoveryRetries
	case c.DiscoveryRetries < 0:
		defaults.DiscoveryRetries = 0
	}
	if c.DiscoveryTimeout != 0 {
		defaults.DiscoveryTimeout = c.DiscoveryTimeout
	}
	if c.OperationTimeout != 0 {
		defaults.OperationTimeout = c.OperationTimeout
	}
	if c.PollInterval != 0 {
		defaults.PollInterval = c.PollInterval
	}
	if c.MaxMessageBytes != 0 {
		defaults.MaxMessageBytes = c.MaxMessageBytes
	}
	defaults.Logger = c.Logger
	if defaults.Logger == nil {
		defaults.Logger = slog.Default()
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if c.DiscoveryTimeout < 0 {
		return errors.New("discovery_timeout must be zero or positive")
	}
	if c.OperationTimeout < 0 {
		return errors.New("operation_timeout must be zero or positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be greater than zero")
	}
	if c.MaxMessageBytes <= 0 {
		return errors.New("max_message_bytes must be greater than zero")
	}
	return nil
}
