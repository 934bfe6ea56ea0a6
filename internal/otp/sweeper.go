package otp

import (
	"context"
	"fmt"
	"time"

	"github.com/propdesk/otpd/internal/store"
)

// Sweeper purges expired records. Verification never depends on it; it
// only bounds storage growth.
type Sweeper struct {
	store store.Store
}

// NewSweeper returns a Sweeper.
func NewSweeper(st store.Store) *Sweeper {
	return &Sweeper{store: st}
}

// PurgeExpired deletes every record, across all tenants, with
// expiresAt <= now and returns how many were deleted.
func (s *Sweeper) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		return n, fmt.Errorf("error purging expired OTPs: %w", err)
	}
	return n, nil
}
