package account

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The CRM owns crm_users; this creates a minimal stand-in.
const testSchema = `
CREATE TABLE IF NOT EXISTS crm_users (
	id            BIGSERIAL PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
TRUNCATE crm_users;
INSERT INTO crm_users (tenant_id, email, phone) VALUES
	('acme-realty', 'Agent@Example.com', ''),
	('acme-realty', '', '+15551234567');
`

func TestPostgresUsers(t *testing.T) {
	dsn := os.Getenv("OTPD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OTPD_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, testSchema)
	require.NoError(t, err)

	u := NewPostgresUsers(pool)
	assert.NoError(t, u.SetPassword(ctx, "acme-realty", "agent@example.com", "h1"))
	assert.NoError(t, u.SetPassword(ctx, "acme-realty", "+15551234567", "h2"))
	assert.ErrorIs(t, u.SetPassword(ctx, "other-tenant", "+15551234567", "h3"), ErrUserNotFound)
	assert.ErrorIs(t, u.SetPassword(ctx, "acme-realty", "nobody@example.com", "h4"), ErrUserNotFound)

	var hash string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT password_hash FROM crm_users WHERE phone = '+15551234567'`).Scan(&hash))
	assert.Equal(t, "h2", hash)
}
