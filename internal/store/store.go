package store

import (
	"context"
	"errors"
	"time"

	"github.com/propdesk/otpd/pkg/models"
)

var (
	// ErrNotExist is returned when a record (requested by ID or by
	// identity) does not exist.
	ErrNotExist = errors.New("the OTP does not exist")

	// ErrLocked is returned by Consume when the record has reached
	// the attempt ceiling.
	ErrLocked = errors.New("the OTP is locked")
)

// Store represents a storage backend where OTP records are stored.
// Every lookup is scoped by (tenant, identity).
type Store interface {
	// Create persists a new record and returns it with its ID set.
	// Older records for the same identity are left untouched.
	Create(ctx context.Context, rec models.Record) (models.Record, error)

	// Latest returns the most recently created record for an identity.
	Latest(ctx context.Context, tenantID, identity string) (models.Record, error)

	// IncrAttempts atomically increments the attempt counter of a record
	// and returns the new value.
	IncrAttempts(ctx context.Context, id string) (int, error)

	// Consume deletes a record only if its attempt count is below
	// maxAttempts. Every older record of the same identity is deleted
	// with it. It returns ErrNotExist if the record is gone and
	// ErrLocked if it has reached the ceiling.
	Consume(ctx context.Context, id string, maxAttempts int) error

	// Delete deletes a record by ID.
	Delete(ctx context.Context, id string) error

	// DeleteExpired deletes all records with expiresAt <= now and
	// returns the number deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Ping checks if store is reachable.
	Ping(ctx context.Context) error
}
