// Package storetest holds the behaviour every store.Store implementation
// must share. Each backend's tests call Run with a constructor that returns
// an empty store.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/propdesk/otpd/internal/store"
	"github.com/propdesk/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func record(tenant, identity string, created time.Time) models.Record {
	return models.Record{
		Identity:      identity,
		TenantID:      tenant,
		CodeHash:      "5994471abb01112afcc18159f6cc74b4f511b99806da59b3caf5a9c173cacfc5",
		CreatedAt:     created,
		ExpiresAt:     created.Add(5 * time.Minute),
		SourceAddress: "203.0.113.7",
	}
}

// Run runs the conformance suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("create and latest", func(t *testing.T) {
		s := newStore(t)

		in := record("t1", "+15551234567", base)
		out, err := s.Create(ctx, in)
		require.NoError(t, err)
		assert.NotEmpty(t, out.ID, "store didn't assign an ID")

		got, err := s.Latest(ctx, "t1", "+15551234567")
		require.NoError(t, err)
		assert.Equal(t, out.ID, got.ID)
		assert.Equal(t, in.CodeHash, got.CodeHash)
		assert.Equal(t, in.SourceAddress, got.SourceAddress)
		assert.Equal(t, 0, got.Attempts)
		assert.True(t, in.CreatedAt.Equal(got.CreatedAt), "created_at mismatch: %v", got.CreatedAt)
		assert.True(t, in.ExpiresAt.Equal(got.ExpiresAt), "expires_at mismatch: %v", got.ExpiresAt)
	})

	t.Run("latest not exist", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Latest(ctx, "t1", "nobody@example.com")
		assert.ErrorIs(t, err, store.ErrNotExist)
	})

	t.Run("most recent wins", func(t *testing.T) {
		s := newStore(t)

		first, err := s.Create(ctx, record("t1", "a@example.com", base))
		require.NoError(t, err)
		// Same timestamp: creation order still decides.
		second, err := s.Create(ctx, record("t1", "a@example.com", base))
		require.NoError(t, err)

		got, err := s.Latest(ctx, "t1", "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)
		assert.NotEqual(t, first.ID, got.ID)
	})

	t.Run("tenant isolation", func(t *testing.T) {
		s := newStore(t)

		a, err := s.Create(ctx, record("t1", "+15551234567", base))
		require.NoError(t, err)
		b, err := s.Create(ctx, record("t2", "+15551234567", base))
		require.NoError(t, err)

		_, err = s.IncrAttempts(ctx, b.ID)
		require.NoError(t, err)

		got, err := s.Latest(ctx, "t1", "+15551234567")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, 0, got.Attempts, "another tenant's increment leaked")

		_, err = s.Latest(ctx, "t3", "+15551234567")
		assert.ErrorIs(t, err, store.ErrNotExist)
	})

	t.Run("increment attempts", func(t *testing.T) {
		s := newStore(t)

		rec, err := s.Create(ctx, record("t1", "b@example.com", base))
		require.NoError(t, err)

		n, err := s.IncrAttempts(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.IncrAttempts(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.Latest(ctx, "t1", "b@example.com")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)

		_, err = s.IncrAttempts(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, store.ErrNotExist)
	})

	t.Run("concurrent increments", func(t *testing.T) {
		s := newStore(t)

		rec, err := s.Create(ctx, record("t1", "c@example.com", base))
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrAttempts(ctx, rec.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.Latest(ctx, "t1", "c@example.com")
		require.NoError(t, err)
		assert.Equal(t, n, got.Attempts, "lost attempt updates")
	})

	t.Run("consume", func(t *testing.T) {
		s := newStore(t)

		rec, err := s.Create(ctx, record("t1", "d@example.com", base))
		require.NoError(t, err)

		require.NoError(t, s.Consume(ctx, rec.ID, 5))
		assert.ErrorIs(t, s.Consume(ctx, rec.ID, 5), store.ErrNotExist, "consumed twice")

		_, err = s.Latest(ctx, "t1", "d@example.com")
		assert.ErrorIs(t, err, store.ErrNotExist)
	})

	t.Run("consume drops superseded records", func(t *testing.T) {
		s := newStore(t)

		var ids []string
		for i := 0; i < 3; i++ {
			rec, err := s.Create(ctx, record("t1", "k@example.com", base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}
		other, err := s.Create(ctx, record("t2", "k@example.com", base))
		require.NoError(t, err)

		// Consuming the middle record takes the oldest with it but
		// leaves the newer one.
		require.NoError(t, s.Consume(ctx, ids[1], 5))
		assert.ErrorIs(t, s.Delete(ctx, ids[0]), store.ErrNotExist, "older record survived")

		got, err := s.Latest(ctx, "t1", "k@example.com")
		require.NoError(t, err)
		assert.Equal(t, ids[2], got.ID)

		require.NoError(t, s.Consume(ctx, ids[2], 5))
		_, err = s.Latest(ctx, "t1", "k@example.com")
		assert.ErrorIs(t, err, store.ErrNotExist, "a superseded record came back")

		got, err = s.Latest(ctx, "t2", "k@example.com")
		require.NoError(t, err, "another tenant's record was deleted")
		assert.Equal(t, other.ID, got.ID)
	})

	t.Run("consume locked", func(t *testing.T) {
		s := newStore(t)

		rec, err := s.Create(ctx, record("t1", "e@example.com", base))
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err := s.IncrAttempts(ctx, rec.ID)
			require.NoError(t, err)
		}

		assert.ErrorIs(t, s.Consume(ctx, rec.ID, 2), store.ErrLocked)

		got, err := s.Latest(ctx, "t1", "e@example.com")
		require.NoError(t, err, "locked record was deleted")
		assert.Equal(t, rec.ID, got.ID)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)

		old, err := s.Create(ctx, record("t1", "f@example.com", base))
		require.NoError(t, err)
		rec, err := s.Create(ctx, record("t1", "f@example.com", base.Add(time.Minute)))
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, rec.ID))
		assert.ErrorIs(t, s.Delete(ctx, rec.ID), store.ErrNotExist)

		// The older record becomes the latest again.
		got, err := s.Latest(ctx, "t1", "f@example.com")
		require.NoError(t, err)
		assert.Equal(t, old.ID, got.ID)
	})

	t.Run("delete expired", func(t *testing.T) {
		s := newStore(t)

		expired := record("t1", "g@example.com", base.Add(-10*time.Minute))
		boundary := record("t2", "g@example.com", base.Add(-5*time.Minute))
		live := record("t1", "h@example.com", base)

		for _, r := range []models.Record{expired, boundary, live} {
			_, err := s.Create(ctx, r)
			require.NoError(t, err)
		}

		n, err := s.DeleteExpired(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "expires_at <= now should be purged")

		n, err = s.DeleteExpired(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "second sweep deleted records")

		_, err = s.Latest(ctx, "t1", "g@example.com")
		assert.ErrorIs(t, err, store.ErrNotExist)
		_, err = s.Latest(ctx, "t2", "g@example.com")
		assert.ErrorIs(t, err, store.ErrNotExist)
		_, err = s.Latest(ctx, "t1", "h@example.com")
		assert.NoError(t, err)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
