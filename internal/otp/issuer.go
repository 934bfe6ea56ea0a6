package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/propdesk/otpd/internal/clock"
	"github.com/propdesk/otpd/internal/store"
	"github.com/propdesk/otpd/pkg/models"
)

// Sender delivers a plaintext code out of band.
type Sender interface {
	Send(ctx context.Context, m models.Message) error
}

// Issued describes a newly issued code. The code itself is never returned.
type Issued struct {
	ID          string    `json:"id"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResendAfter time.Time `json:"resend_after"`
}

// Issuer generates codes, persists their digests and hands the plaintext
// to a Sender.
type Issuer struct {
	store  store.Store
	sender Sender
	clock  clock.Clock
	hasher *Hasher
	cfg    Config
}

// NewIssuer returns an Issuer.
func NewIssuer(st store.Store, sender Sender, clk clock.Clock, cfg Config) *Issuer {
	cfg = cfg.withDefaults()
	return &Issuer{
		store:  st,
		sender: sender,
		clock:  clk,
		hasher: NewHasher(cfg.HashSecret),
		cfg:    cfg,
	}
}

// Request issues a new code for an identity within a tenant.
//
// It fails with a *RateLimitError if the identity's latest code was
// created less than ResendCooldown ago, whether or not that code is still
// valid. If delivery fails, the persisted record stays valid and the error
// matches ErrDelivery; a new code can only be requested after the cooldown.
func (is *Issuer) Request(ctx context.Context, identity, tenantID, sourceAddress string) (Issued, error) {
	identity = Normalize(identity)
	if err := validateInput(subject{Identity: identity, TenantID: tenantID}); err != nil {
		return Issued{}, err
	}

	now := is.clock.Now()

	// Check the resend cooldown against the latest record.
	last, err := is.store.Latest(ctx, tenantID, identity)
	if err != nil && !errors.Is(err, store.ErrNotExist) {
		return Issued{}, fmt.Errorf("error looking up OTP: %w", err)
	}
	if err == nil {
		if wait := is.cfg.ResendCooldown - now.Sub(last.CreatedAt); wait > 0 {
			return Issued{}, &RateLimitError{RetryAfter: wait}
		}
	}

	code, err := generateCode(is.cfg.CodeLength)
	if err != nil {
		return Issued{}, fmt.Errorf("error generating OTP: %w", err)
	}

	rec, err := is.store.Create(ctx, models.Record{
		Identity:      identity,
		TenantID:      tenantID,
		CodeHash:      is.hasher.Hash(code),
		Attempts:      0,
		CreatedAt:     now,
		ExpiresAt:     now.Add(is.cfg.Expiry),
		SourceAddress: sourceAddress,
	})
	if err != nil {
		return Issued{}, fmt.Errorf("error saving OTP: %w", err)
	}

	out := Issued{
		ID:          rec.ID,
		ExpiresAt:   rec.ExpiresAt,
		ResendAfter: rec.CreatedAt.Add(is.cfg.ResendCooldown),
	}

	// The record is not rolled back on a failed push.
	if err := is.sender.Send(ctx, models.Message{
		Channel:  ChannelOf(identity),
		To:       identity,
		TenantID: tenantID,
		Code:     code,
		TTL:      is.cfg.Expiry,
	}); err != nil {
		return out, fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	return out, nil
}
