package otp

import "time"

// Defaults for Config fields left at their zero value.
const (
	DefaultCodeLength     = 6
	DefaultExpiry         = 5 * time.Minute
	DefaultResendCooldown = 60 * time.Second
	DefaultMaxAttempts    = 5

	maxCodeLength = 9
)

// Config holds the tunables of the OTP workflow.
type Config struct {
	CodeLength     int           `json:"code_length"`
	Expiry         time.Duration `json:"expiry"`
	ResendCooldown time.Duration `json:"resend_cooldown"`
	MaxAttempts    int           `json:"max_attempts"`

	// HashSecret, if set, keys the code digest (HMAC-SHA256) instead of
	// plain SHA-256.
	HashSecret string `json:"hash_secret"`
}

func (c Config) withDefaults() Config {
	if c.CodeLength < 1 || c.CodeLength > maxCodeLength {
		c.CodeLength = DefaultCodeLength
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.ResendCooldown <= 0 {
		c.ResendCooldown = DefaultResendCooldown
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		CodeLength:     DefaultCodeLength,
		Expiry:         DefaultExpiry,
		ResendCooldown: DefaultResendCooldown,
		MaxAttempts:    DefaultMaxAttempts,
	}
}
