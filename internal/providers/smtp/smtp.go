// Package smtp delivers OTP e-mails through a pooled SMTP connection.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"regexp"
	"time"

	"github.com/knadh/smtppool"
	"github.com/propdesk/otpd/pkg/models"
)

const (
	providerID    = "smtp"
	maxAddressLen = 254
	maxBodyLen    = 100 * 1024
)

var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// Config represents an SMTP server's credentials.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	AuthProtocol string        `json:"auth_protocol"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	FromEmail    string        `json:"from_email"`
	Timeout      time.Duration `json:"timeout"`
	MaxConns     int           `json:"max_conns"`

	// STARTTLS, TLS or none.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// SMTP is a generic SMTP e-mail provider.
type SMTP struct {
	cfg Config
	p   *smtppool.Pool
}

// New creates and returns an e-mail Provider backend.
func New(cfg Config) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("invalid SMTP host")
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = "otp@localhost"
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 4
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}

	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	if cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		// SSL/TLS, not STARTTLS.
		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return &SMTP{p: pool, cfg: cfg}, nil
}

// ID returns the Provider's ID.
func (s *SMTP) ID() string {
	return providerID
}

// Channel returns models.ChannelEmail.
func (s *SMTP) Channel() models.Channel {
	return models.ChannelEmail
}

// ValidateAddress "validates" an e-mail address.
func (s *SMTP) ValidateAddress(to string) error {
	if !reMail.MatchString(to) {
		return errors.New("invalid e-mail address")
	}
	return nil
}

// Push sends an HTML e-mail. smtppool doesn't take a context, so ctx is
// only checked before the message is handed to the pool.
func (s *SMTP) Push(ctx context.Context, to, subject string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.p.Send(smtppool.Email{
		From:    s.cfg.FromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    body,
	})
}

// MaxAddressLen returns the maximum allowed length of the e-mail address.
func (s *SMTP) MaxAddressLen() int {
	return maxAddressLen
}

// MaxBodyLen returns the max permitted body size.
func (s *SMTP) MaxBodyLen() int {
	return maxBodyLen
}

// Close closes the connection pool.
func (s *SMTP) Close() {
	s.p.Close()
}
