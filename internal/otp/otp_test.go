package otp

import (
	"context"
	"sync"
	"time"

	"github.com/propdesk/otpd/internal/clock"
	"github.com/propdesk/otpd/internal/store"
	"github.com/propdesk/otpd/internal/store/memory"
	"github.com/propdesk/otpd/pkg/models"
)

const (
	tenant = "acme-realty"
	phone  = "+15551234567"
	email  = "agent@example.com"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// sender records every message and optionally fails.
type sender struct {
	mu   sync.Mutex
	msgs []models.Message
	err  error
}

func (s *sender) Send(_ context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return s.err
}

func (s *sender) last() models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return models.Message{}
	}
	return s.msgs[len(s.msgs)-1]
}

// brokenStore fails every lookup.
type brokenStore struct {
	store.Store
	err error
}

func (b brokenStore) Latest(context.Context, string, string) (models.Record, error) {
	return models.Record{}, b.err
}

type fixture struct {
	store    *memory.Memory
	clock    *clock.Fake
	sender   *sender
	issuer   *Issuer
	verifier *Verifier
	sweeper  *Sweeper
}

func newFixture() *fixture {
	var (
		st  = memory.New()
		clk = clock.NewFake(t0)
		snd = &sender{}
		cfg = DefaultConfig()
	)
	return &fixture{
		store:    st,
		clock:    clk,
		sender:   snd,
		issuer:   NewIssuer(st, snd, clk, cfg),
		verifier: NewVerifier(st, clk, cfg),
		sweeper:  NewSweeper(st),
	}
}

// wrong returns a code of the same length that differs from code.
func wrong(code string) string {
	b := []byte(code)
	if b[0] == '1' {
		b[0] = '2'
	} else {
		b[0] = '1'
	}
	return string(b)
}
