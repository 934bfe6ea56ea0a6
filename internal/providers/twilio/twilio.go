// Package twilio sends OTP text messages through the Twilio Messages API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/propdesk/otpd/pkg/models"
)

const (
	providerID    = "twilio"
	maxAddressLen = 16
	maxBodyLen    = 160
	apiURL        = "https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json"
)

var reNum = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Twilio is an SMS provider.
type Twilio struct {
	cfg Config
	url string
	h   *http.Client
}

// Config holds the account credentials and sender.
type Config struct {
	AccountSID string        `json:"account_sid"`
	AuthToken  string        `json:"auth_token"`
	From       string        `json:"from"`
	Timeout    time.Duration `json:"timeout"`
	MaxConns   int           `json:"max_conns"`

	// URL overrides the API endpoint. Used in tests.
	URL string `json:"url"`
}

// apiResp is the subset of Twilio's message and error responses in use.
type apiResp struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New returns a Twilio SMS provider.
func New(cfg Config) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("invalid account_sid, auth_token or from")
	}

	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	u := cfg.URL
	if u == "" {
		u = fmt.Sprintf(apiURL, url.PathEscape(cfg.AccountSID))
	}

	return &Twilio{
		cfg: cfg,
		url: u,
		h: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (t *Twilio) ID() string {
	return providerID
}

// Channel returns models.ChannelSMS.
func (t *Twilio) Channel() models.Channel {
	return models.ChannelSMS
}

// ValidateAddress checks for an E.164 phone number.
func (t *Twilio) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push pushes out an SMS.
func (t *Twilio) Push(ctx context.Context, to, subject string, body []byte) error {
	var p = url.Values{}
	p.Set("To", to)
	p.Set("From", t.cfg.From)
	p.Set("Body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(p.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "otpd")

	resp, err := t.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var r apiResp
	if err := json.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("error decoding twilio response (%d): %v", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("twilio error %d: %s", r.Code, r.Message)
	}
	if r.Status == "failed" || r.Status == "undelivered" {
		return fmt.Errorf("twilio message %s %s", r.SID, r.Status)
	}
	return nil
}

// MaxAddressLen returns the maximum allowed length for the mobile number.
func (t *Twilio) MaxAddressLen() int {
	return maxAddressLen
}

// MaxBodyLen returns the max permitted body size.
func (t *Twilio) MaxBodyLen() int {
	return maxBodyLen
}
