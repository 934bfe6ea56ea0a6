// Package memory is an in-process Store used for development and tests.
// Records do not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/propdesk/otpd/internal/store"
	"github.com/propdesk/otpd/pkg/models"
)

type entry struct {
	rec models.Record
	seq uint64
}

// Memory implements an in-memory Store.
type Memory struct {
	mu      sync.Mutex
	seq     uint64
	records map[string]*entry
}

// New returns an empty in-memory store.
func New() *Memory {
	return &Memory{
		records: make(map[string]*entry),
	}
}

// Create persists a new record.
func (m *Memory) Create(_ context.Context, rec models.Record) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.ID = uuid.NewString()
	m.seq++
	m.records[rec.ID] = &entry{rec: rec, seq: m.seq}
	return rec, nil
}

// Latest returns the most recently created record for an identity.
func (m *Memory) Latest(_ context.Context, tenantID, identity string) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *entry
	for _, e := range m.records {
		if e.rec.TenantID != tenantID || e.rec.Identity != identity {
			continue
		}
		if latest == nil || e.seq > latest.seq {
			latest = e
		}
	}
	if latest == nil {
		return models.Record{}, store.ErrNotExist
	}
	return latest.rec, nil
}

// IncrAttempts increments the attempt counter of a record.
func (m *Memory) IncrAttempts(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[id]
	if !ok {
		return 0, store.ErrNotExist
	}
	e.rec.Attempts++
	return e.rec.Attempts, nil
}

// Consume deletes a record that hasn't reached maxAttempts, along with
// every older record of the same identity.
func (m *Memory) Consume(_ context.Context, id string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[id]
	if !ok {
		return store.ErrNotExist
	}
	if e.rec.Attempts >= maxAttempts {
		return store.ErrLocked
	}
	for k, o := range m.records {
		if o.rec.TenantID == e.rec.TenantID && o.rec.Identity == e.rec.Identity && o.seq <= e.seq {
			delete(m.records, k)
		}
	}
	return nil
}

// Delete deletes a record by ID.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return store.ErrNotExist
	}
	delete(m.records, id)
	return nil
}

// DeleteExpired deletes all records with expiresAt <= now.
func (m *Memory) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.records {
		if !e.rec.ExpiresAt.After(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored records, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
