// Package webhook is a generic Provider that posts OTP messages to a URL.
// It can be configured for either channel, which makes it useful for
// bridging to in-house SMS gateways.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/propdesk/otpd/pkg/models"
)

// Webhook posts messages as JSON.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	Channel models.Channel `json:"channel"`
	To      string         `json:"to"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
}

// Config contains the webhook provider configuration.
type Config struct {
	URL           string         `json:"url"`
	ID            string         `json:"id"`
	Channel       models.Channel `json:"channel"`
	Username      string         `json:"username"`
	Password      string         `json:"password"`
	MaxAddressLen int            `json:"max_address_len"`
	MaxBodyLen    int            `json:"max_body_len"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New returns a webhook provider.
func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("invalid webhook url")
	}
	if cfg.Channel != models.ChannelSMS && cfg.Channel != models.ChannelEmail {
		return nil, fmt.Errorf("invalid webhook channel '%s'", cfg.Channel)
	}
	if cfg.ID == "" {
		cfg.ID = "webhook"
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// Channel returns the configured channel.
func (w *Webhook) Channel() models.Channel {
	return w.cfg.Channel
}

// ValidateAddress accepts any non-empty address. The upstream validates.
func (w *Webhook) ValidateAddress(to string) error {
	if to == "" {
		return errors.New("empty address")
	}
	return nil
}

// Push posts the message. Any non-2xx response is an error.
func (w *Webhook) Push(ctx context.Context, to, subject string, body []byte) error {
	b, err := json.Marshal(Payload{
		Channel: w.cfg.Channel,
		To:      to,
		Subject: subject,
		Body:    string(body),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "otpd")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MaxAddressLen returns the maximum allowed address length.
func (w *Webhook) MaxAddressLen() int {
	return w.cfg.MaxAddressLen
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return w.cfg.MaxBodyLen
}
