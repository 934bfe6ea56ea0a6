package otp

import (
	"errors"
	"fmt"
	"time"
)

// Outcomes of issuance and verification. Store failures are never mapped
// onto these; they're returned wrapped and must be told apart with errors.Is.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrRateLimited     = errors.New("please wait before requesting another OTP")
	ErrDelivery        = errors.New("error delivering OTP")
	ErrNoActiveCode    = errors.New("no active OTP")
	ErrExpired         = errors.New("OTP expired")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrMismatch        = errors.New("incorrect OTP")
)

// RateLimitError is returned when a code is requested within the resend
// cooldown. It matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %0.f seconds", ErrRateLimited, e.RetryAfter.Seconds())
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Outcome tells if err is one of the workflow outcomes above, as opposed
// to an infrastructure failure.
func Outcome(err error) bool {
	for _, e := range []error{ErrInvalidInput, ErrRateLimited, ErrDelivery, ErrNoActiveCode,
		ErrExpired, ErrTooManyAttempts, ErrMismatch} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
