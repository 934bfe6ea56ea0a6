package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/propdesk/otpd/internal/store"
	"github.com/propdesk/otpd/pkg/models"
)

// Schema creates the OTP table. seq provides the creation order that
// Latest relies on; created_at alone can tie.
const Schema = `
CREATE TABLE IF NOT EXISTS otp_records (
	id             UUID PRIMARY KEY,
	seq            BIGSERIAL NOT NULL,
	tenant_id      TEXT NOT NULL,
	identity       TEXT NOT NULL,
	code_hash      TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0 CHECK (attempts >= 0),
	source_address TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_otp_records_identity ON otp_records (tenant_id, identity, seq DESC);
CREATE INDEX IF NOT EXISTS idx_otp_records_expires ON otp_records (expires_at);
`

const (
	qCreate = `INSERT INTO otp_records (id, tenant_id, identity, code_hash, attempts, source_address, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	qLatest = `SELECT id, tenant_id, identity, code_hash, attempts, source_address, created_at, expires_at
		FROM otp_records WHERE tenant_id = $1 AND identity = $2
		ORDER BY seq DESC LIMIT 1`

	qIncr = `UPDATE otp_records SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`

	qConsume = `DELETE FROM otp_records WHERE id = $1 AND attempts < $2 RETURNING tenant_id, identity, seq`

	qDeleteOlder = `DELETE FROM otp_records WHERE tenant_id = $1 AND identity = $2 AND seq < $3`

	qAttempts = `SELECT attempts FROM otp_records WHERE id = $1`

	qDelete        = `DELETE FROM otp_records WHERE id = $1`
	qDeleteExpired = `DELETE FROM otp_records WHERE expires_at <= $1`
)

// Conf contains Postgres configuration fields.
type Conf struct {
	DSN         string        `json:"dsn"`
	MaxConns    int32         `json:"max_conns"`
	MaxIdleTime time.Duration `json:"max_idle_time"`
	Migrate     bool          `json:"migrate"`
}

// Postgres implements a Postgres Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool from the config. If Migrate is set,
// the schema is applied.
func Connect(ctx context.Context, c Conf) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, err
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MaxIdleTime > 0 {
		cfg.MaxConnIdleTime = c.MaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if c.Migrate {
		if _, err := pool.Exec(ctx, Schema); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

// New returns a Postgres implementation of store on an existing pool.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping checks if the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Create persists a new record.
func (p *Postgres) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	rec.ID = uuid.NewString()
	_, err := p.pool.Exec(ctx, qCreate, rec.ID, rec.TenantID, rec.Identity, rec.CodeHash,
		rec.Attempts, rec.SourceAddress, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// Latest returns the most recently created record for an identity.
func (p *Postgres) Latest(ctx context.Context, tenantID, identity string) (models.Record, error) {
	var rec models.Record
	err := p.pool.QueryRow(ctx, qLatest, tenantID, identity).Scan(&rec.ID, &rec.TenantID,
		&rec.Identity, &rec.CodeHash, &rec.Attempts, &rec.SourceAddress, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return rec, mapError(err)
	}
	return rec, nil
}

// IncrAttempts atomically increments the attempt counter.
func (p *Postgres) IncrAttempts(ctx context.Context, id string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, qIncr, id).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// Consume deletes a record only if it is below the attempt ceiling, along
// with every older record of the same identity.
func (p *Postgres) Consume(ctx context.Context, id string, maxAttempts int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		tenantID, identity string
		seq                int64
	)
	err = tx.QueryRow(ctx, qConsume, id, maxAttempts).Scan(&tenantID, &identity, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing or locked?
		var n int
		if err := tx.QueryRow(ctx, qAttempts, id).Scan(&n); err != nil {
			return mapError(err)
		}
		return store.ErrLocked
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, qDeleteOlder, tenantID, identity, seq); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete deletes a record by ID.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, qDelete, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotExist
	}
	return nil
}

// DeleteExpired deletes all records with expiresAt <= now.
func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, qDeleteExpired, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotExist
	}
	return err
}
