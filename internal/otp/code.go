package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"math/big"
	"strings"

	"github.com/propdesk/otpd/pkg/models"
)

// generateCode returns a uniformly random numeric code of n digits
// without a leading zero, ie. in [10^(n-1), 10^n - 1].
func generateCode(n int) (string, error) {
	var (
		lo  = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n-1)), nil)
		hi  = new(big.Int).Mul(lo, big.NewInt(10))
		rng = new(big.Int).Sub(hi, lo)
	)

	v, err := rand.Int(rand.Reader, rng)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", v.Add(v, lo)), nil
}

// Hasher produces the one-way digest of a code.
type Hasher struct {
	secret []byte
}

// NewHasher returns a Hasher. An empty secret yields plain SHA-256.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Hash returns the hex encoded digest of code.
func (h *Hasher) Hash(code string) string {
	var d hash.Hash
	if len(h.secret) > 0 {
		d = hmac.New(sha256.New, h.secret)
	} else {
		d = sha256.New()
	}
	d.Write([]byte(code))
	return hex.EncodeToString(d.Sum(nil))
}

// Equal compares code against a stored digest in constant time.
func (h *Hasher) Equal(digest, code string) bool {
	return subtle.ConstantTimeCompare([]byte(digest), []byte(h.Hash(code))) == 1
}

// ChannelOf returns the delivery channel for an identity.
func ChannelOf(identity string) models.Channel {
	if strings.Contains(identity, "@") {
		return models.ChannelEmail
	}
	return models.ChannelSMS
}

// Normalize trims an identity and lowercases e-mail addresses so that
// issuance and verification agree on the key.
func Normalize(identity string) string {
	identity = strings.TrimSpace(identity)
	if ChannelOf(identity) == models.ChannelEmail {
		return strings.ToLower(identity)
	}
	return identity
}
