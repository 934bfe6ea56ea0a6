package account

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUsers updates passwords in the CRM's users table.
type PostgresUsers struct {
	pool *pgxpool.Pool
}

// NewPostgresUsers returns a UserStore backed by the crm_users table.
func NewPostgresUsers(pool *pgxpool.Pool) *PostgresUsers {
	return &PostgresUsers{pool: pool}
}

const qSetPassword = `UPDATE crm_users SET password_hash = $1, updated_at = NOW()
	WHERE tenant_id = $2 AND (LOWER(email) = $3 OR phone = $3)`

// SetPassword implements UserStore.
func (p *PostgresUsers) SetPassword(ctx context.Context, tenantID, identity, hash string) error {
	res, err := p.pool.Exec(ctx, qSetPassword, hash, tenantID, identity)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MemoryUsers is an in-memory UserStore for development and tests.
type MemoryUsers struct {
	mu     sync.Mutex
	hashes map[[2]string]string
}

// NewMemoryUsers returns a MemoryUsers with the given tenant/identity
// pairs registered with empty passwords.
func NewMemoryUsers(users ...[2]string) *MemoryUsers {
	m := &MemoryUsers{hashes: make(map[[2]string]string)}
	for _, u := range users {
		m.hashes[u] = ""
	}
	return m
}

// SetPassword implements UserStore.
func (m *MemoryUsers) SetPassword(_ context.Context, tenantID, identity, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := [2]string{tenantID, identity}
	if _, ok := m.hashes[k]; !ok {
		return ErrUserNotFound
	}
	m.hashes[k] = hash
	return nil
}

// Hash returns the stored hash for a user.
func (m *MemoryUsers) Hash(tenantID, identity string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashes[[2]string{tenantID, identity}]
}
