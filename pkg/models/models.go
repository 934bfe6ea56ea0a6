package models

import (
	"context"
	"time"
)

// Channel is the out-of-band medium a code is delivered over.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Record is a persisted OTP. Only the digest of the code is ever stored.
type Record struct {
	ID            string    `json:"id"`
	Identity      string    `json:"identity"`
	TenantID      string    `json:"tenant_id"`
	CodeHash      string    `json:"-"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	SourceAddress string    `json:"source_address,omitempty"`
}

// Expired tells if the record can no longer be verified at the given instant.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Message is a plaintext code on its way to an identity.
type Message struct {
	Channel  Channel
	To       string
	TenantID string
	Code     string
	TTL      time.Duration
}

// ProviderConfig represents the common configuration types for a Provider.
type ProviderConfig struct {
	Template string `json:"template"`
	Subject  string `json:"subject"`
}

// Provider is an interface for a generic messaging backend,
// for instance, e-mail, SMS etc.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// Channel returns the channel the provider delivers over.
	Channel() Channel

	// ValidateAddress validates the 'to' address the Provider
	// is supposed to send the OTP to, for instance, an e-mail
	// or a phone number.
	ValidateAddress(to string) error

	// Push sends a message to the given address.
	Push(ctx context.Context, to, subject string, body []byte) error

	// MaxAddressLen returns the maximum allowed length of the 'to' address.
	MaxAddressLen() int

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider. 0 means no limit.
	MaxBodyLen() int
}
