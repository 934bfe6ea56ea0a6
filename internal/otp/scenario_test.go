package otp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiveWrongCodesLockOut(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	out, err := f.issuer.Request(ctx, "+15551234567", "t1", "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(300*time.Second), out.ExpiresAt)

	rec, err := f.store.Latest(ctx, "t1", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Attempts)

	// Generated codes never start with 0.
	for i := 1; i <= 4; i++ {
		require.ErrorIs(t, f.verifier.Verify(ctx, "+15551234567", "t1", "000000"), ErrMismatch)
		rec, err := f.store.Latest(ctx, "t1", "+15551234567")
		require.NoError(t, err)
		assert.Equal(t, i, rec.Attempts)
	}
	assert.ErrorIs(t, f.verifier.Verify(ctx, "+15551234567", "t1", "000000"), ErrTooManyAttempts)

	rec, err = f.store.Latest(ctx, "t1", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Attempts)
}

func TestCorrectCodeAfterExpiry(t *testing.T) {
	f := newFixture()
	code := issue(t, f, phone)

	f.clock.Advance(301 * time.Second)
	assert.ErrorIs(t, f.verifier.Verify(context.Background(), phone, tenant, code), ErrExpired)
}

func TestReissueWithinCooldown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	code := issue(t, f, phone)

	f.clock.Advance(10 * time.Second)
	_, err := f.issuer.Request(ctx, phone, tenant, "")
	require.ErrorIs(t, err, ErrRateLimited)

	assert.Equal(t, 1, f.store.Len())
	assert.NoError(t, f.verifier.Verify(ctx, phone, tenant, code))
}

func TestImmediateVerifyRemovesRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	code := issue(t, f, phone)

	require.NoError(t, f.verifier.Verify(ctx, phone, tenant, code))
	_, err := f.store.Latest(ctx, tenant, phone)
	assert.Error(t, err)
}

func TestSweepLeavesActiveRecords(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	code := issue(t, f, phone)

	f.clock.Advance(4 * time.Minute)
	n, err := f.sweeper.PurgeExpired(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, f.verifier.Verify(ctx, phone, tenant, code))
}
