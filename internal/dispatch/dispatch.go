// Package dispatch routes OTP messages to the provider configured for
// their channel, either inline or through a pool of retrying workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/propdesk/otpd/pkg/models"
	"github.com/sethvargo/go-retry"
	"github.com/zerodha/logf"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoProvider is returned when no provider serves a message's channel.
	ErrNoProvider = errors.New("no provider for channel")

	// ErrQueueFull is returned in async mode when the queue can't take
	// another message.
	ErrQueueFull = errors.New("message queue is full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Conf configures the dispatcher.
type Conf struct {
	// Async pushes messages from background workers. Send then only
	// fails on bad input or a full queue.
	Async      bool          `json:"async"`
	Workers    int           `json:"workers"`
	QueueSize  int           `json:"queue_size"`
	MaxRetries uint64        `json:"max_retries"`
	RetryWait  time.Duration `json:"retry_wait"`
	Timeout    time.Duration `json:"timeout"`
}

type job struct {
	prov    models.Provider
	to      string
	subject string
	body    []byte
	tenant  string
}

// Dispatcher implements otp.Sender.
type Dispatcher struct {
	cfg   Conf
	provs map[models.Channel]models.Provider
	tpls  map[models.Channel]*Template
	lo    *logf.Logger

	q      chan job
	g      *errgroup.Group
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New returns a Dispatcher. Channels without a template get the defaults.
// In async mode the workers are started immediately.
func New(cfg Conf, provs map[models.Channel]models.Provider, tpls map[models.Channel]*Template, lo *logf.Logger) (*Dispatcher, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	if tpls == nil {
		tpls = make(map[models.Channel]*Template)
	}
	for ch := range provs {
		if _, ok := tpls[ch]; ok {
			continue
		}
		t, err := NewTemplate("", "")
		if err != nil {
			return nil, err
		}
		tpls[ch] = t
	}

	d := &Dispatcher{
		cfg:   cfg,
		provs: provs,
		tpls:  tpls,
		lo:    lo,
	}

	if cfg.Async {
		ctx, cancel := context.WithCancel(context.Background())
		g, ctx := errgroup.WithContext(ctx)

		d.q = make(chan job, cfg.QueueSize)
		d.g = g
		d.cancel = cancel
		for i := 0; i < cfg.Workers; i++ {
			g.Go(func() error {
				d.worker(ctx)
				return nil
			})
		}
	}

	return d, nil
}

// Channels returns the channel to provider ID mapping.
func (d *Dispatcher) Channels() map[models.Channel]string {
	out := make(map[models.Channel]string, len(d.provs))
	for ch, p := range d.provs {
		out[ch] = p.ID()
	}
	return out
}

// Send renders a message and pushes it to its channel's provider.
func (d *Dispatcher) Send(ctx context.Context, m models.Message) error {
	p, ok := d.provs[m.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProvider, m.Channel)
	}

	if err := p.ValidateAddress(m.To); err != nil {
		return err
	}
	if n := p.MaxAddressLen(); n > 0 && len(m.To) > n {
		return fmt.Errorf("address exceeds %d characters", n)
	}

	subj, body, err := d.tpls[m.Channel].render(m)
	if err != nil {
		return fmt.Errorf("error rendering message: %v", err)
	}
	if n := p.MaxBodyLen(); n > 0 && len(body) > n {
		return fmt.Errorf("message exceeds %d bytes", n)
	}

	j := job{prov: p, to: m.To, subject: subj, body: body, tenant: m.TenantID}
	if !d.cfg.Async {
		return d.push(ctx, j)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.q <- j:
		return nil
	default:
		d.lo.Error("dispatch queue full", "provider", p.ID(), "tenant", m.TenantID)
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.q == nil {
		return nil
	}
	close(d.q)
	err := d.g.Wait()
	d.cancel()
	return err
}

func (d *Dispatcher) worker(ctx context.Context) {
	for j := range d.q {
		b := retry.WithMaxRetries(d.cfg.MaxRetries, retry.NewExponential(d.cfg.RetryWait))
		b = retry.WithCappedDuration(10*time.Second, b)

		attempt := 0
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			attempt++
			if err := d.push(ctx, j); err != nil {
				d.lo.Warn("error pushing message", "error", err, "provider", j.prov.ID(),
					"tenant", j.tenant, "attempt", attempt)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			d.lo.Error("giving up on message", "error", err, "provider", j.prov.ID(), "tenant", j.tenant)
		}
	}
}

func (d *Dispatcher) push(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	d.lo.Debug("sending otp", "provider", j.prov.ID(), "tenant", j.tenant)
	return j.prov.Push(ctx, j.to, j.subject, j.body)
}
