package session

import (
	"fmt"
	"time"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// Secret is the HS256 signing key. Required; an empty secret fails closed.
	Secret string

	// AccessTTL and RefreshTTL must be whole seconds, at least one second.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// MaxCASAttempts bounds retries of a conflicting refresh-set write.
	MaxCASAttempts int
}

const (
	DefaultMaxCASAttempts = 8
	minSecretBytes        = 32
)

// DefaultConfig returns defaults for everything except Secret.
func DefaultConfig() Config {
	return Config{
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		MaxCASAttempts: DefaultMaxCASAttempts,
	}
}

// Validate returns an error wrapping ErrConfig if cfg cannot be used to
// issue tokens.
func (c Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("%w: signing secret is required", ErrConfig)
	}
	if len(c.Secret) < minSecretBytes {
		return fmt.Errorf("%w: signing secret must be at least %d bytes", ErrConfig, minSecretBytes)
	}
	if err := validateTTL("access ttl", c.AccessTTL); err != nil {
		return err
	}
	if err := validateTTL("refresh ttl", c.RefreshTTL); err != nil {
		return err
	}
	if c.RefreshTTL < c.AccessTTL {
		return fmt.Errorf("%w: refresh ttl must not be shorter than access ttl", ErrConfig)
	}
	if c.MaxCASAttempts < 1 {
		return fmt.Errorf("%w: max cas attempts must be positive", ErrConfig)
	}
	return nil
}

func validateTTL(name string, d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("%w: %s must be at least 1s", ErrConfig, name)
	}
	if d%time.Second != 0 {
		return fmt.Errorf("%w: %s must be whole seconds", ErrConfig, name)
	}
	return nil
}
