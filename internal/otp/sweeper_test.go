package otp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurgeExpired(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	issue(t, f, phone)
	f.clock.Advance(2 * time.Minute)
	code := issue(t, f, email)

	// Only the first record has expired.
	f.clock.Advance(3 * time.Minute)
	n, err := f.sweeper.PurgeExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.store.Len())

	n, err = f.sweeper.PurgeExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, f.verifier.Verify(ctx, phone, tenant, "123456"), ErrNoActiveCode)
	assert.NoError(t, f.verifier.Verify(ctx, email, tenant, code))
}

func TestPurgeExpiredEmpty(t *testing.T) {
	f := newFixture()
	n, err := f.sweeper.PurgeExpired(context.Background(), t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
