package otp

import (
	"context"
	"errors"
	"fmt"

	"github.com/propdesk/otpd/internal/clock"
	"github.com/propdesk/otpd/internal/store"
)

// Verifier checks submitted codes against the latest record of an identity.
type Verifier struct {
	store  store.Store
	clock  clock.Clock
	hasher *Hasher
	cfg    Config
}

// NewVerifier returns a Verifier. cfg must match the Issuer's.
func NewVerifier(st store.Store, clk clock.Clock, cfg Config) *Verifier {
	cfg = cfg.withDefaults()
	return &Verifier{
		store:  st,
		clock:  clk,
		hasher: NewHasher(cfg.HashSecret),
		cfg:    cfg,
	}
}

// Verify checks code against the identity's latest record and consumes the
// record on a match. A nil return means the code was verified.
//
// Expiry and lockout are checked before the digest comparison. A mismatch
// increments the record's attempt counter; the mismatch that brings it to
// MaxAttempts already reports ErrTooManyAttempts, and from then on every
// submission, correct or not, is rejected without further increments.
// Expired records are left in place for the sweeper.
func (v *Verifier) Verify(ctx context.Context, identity, tenantID, code string) error {
	identity = Normalize(identity)
	if err := validateInput(submission{Identity: identity, TenantID: tenantID, Code: code}); err != nil {
		return err
	}

	rec, err := v.store.Latest(ctx, tenantID, identity)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return ErrNoActiveCode
		}
		return fmt.Errorf("error looking up OTP: %w", err)
	}

	if rec.Expired(v.clock.Now()) {
		return ErrExpired
	}
	if rec.Attempts >= v.cfg.MaxAttempts {
		return ErrTooManyAttempts
	}

	if !v.hasher.Equal(rec.CodeHash, code) {
		n, err := v.store.IncrAttempts(ctx, rec.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotExist) {
				return ErrNoActiveCode
			}
			return fmt.Errorf("error updating OTP attempts: %w", err)
		}
		if n >= v.cfg.MaxAttempts {
			return ErrTooManyAttempts
		}
		return ErrMismatch
	}

	// A concurrent verification may have consumed or locked the record
	// since it was read.
	if err := v.store.Consume(ctx, rec.ID, v.cfg.MaxAttempts); err != nil {
		switch {
		case errors.Is(err, store.ErrNotExist):
			return ErrNoActiveCode
		case errors.Is(err, store.ErrLocked):
			return ErrTooManyAttempts
		}
		return fmt.Errorf("error deleting OTP: %w", err)
	}

	return nil
}
