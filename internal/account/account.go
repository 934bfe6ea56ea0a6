// Package account resets CRM user passwords after an OTP check.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/propdesk/otpd/internal/otp"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt rejects longer passwords.
const maxPasswordBytes = 72

// ErrUserNotFound is returned when no user matches the identity.
var ErrUserNotFound = errors.New("user not found")

// Verifier checks an OTP. otp.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, identity, tenantID, code string) error
}

// UserStore updates password hashes.
type UserStore interface {
	// SetPassword stores hash for the user whose e-mail or phone is
	// identity. It returns ErrUserNotFound if there's no such user.
	SetPassword(ctx context.Context, tenantID, identity, hash string) error
}

// ResetInput is a password reset request.
type ResetInput struct {
	Identity        string `json:"identity" validate:"required"`
	TenantID        string `json:"tenant_id" validate:"required"`
	Code            string `json:"code" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6,pwbytes"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=NewPassword"`
}

// Resetter resets passwords.
type Resetter struct {
	users    UserStore
	verifier Verifier
	cost     int
	validate *validator.Validate
}

// NewResetter returns a Resetter. A cost outside bcrypt's range falls back
// to bcrypt.DefaultCost.
func NewResetter(users UserStore, v Verifier, cost int) *Resetter {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	val := validator.New(validator.WithRequiredStructEnabled())
	// bcrypt's limit is in bytes, max= counts runes.
	_ = val.RegisterValidation("pwbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= maxPasswordBytes
	})

	return &Resetter{
		users:    users,
		verifier: v,
		cost:     cost,
		validate: val,
	}
}

// Reset verifies the OTP and replaces the user's password. The password is
// hashed before the OTP is checked, and the OTP is consumed before the user
// is looked up.
func (r *Resetter) Reset(ctx context.Context, in ResetInput) error {
	if err := r.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", otp.ErrInvalidInput, describe(verrs))
		}
		return fmt.Errorf("%w: %v", otp.ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), r.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return fmt.Errorf("%w: %v", otp.ErrInvalidInput, err)
		}
		return fmt.Errorf("error hashing password: %w", err)
	}

	if err := r.verifier.Verify(ctx, in.Identity, in.TenantID, in.Code); err != nil {
		return err
	}

	if err := r.users.SetPassword(ctx, in.TenantID, otp.Normalize(in.Identity), string(hash)); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("error updating password: %w", err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	out := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch {
		case e.Field() == "ConfirmPassword" && e.Tag() == "eqfield":
			out = append(out, "passwords do not match")
		case e.Field() == "NewPassword" && e.Tag() == "min":
			out = append(out, "password must be at least 6 characters")
		case e.Field() == "NewPassword" && e.Tag() == "pwbytes":
			out = append(out, fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
		default:
			out = append(out, fmt.Sprintf("%s (%s)", e.Field(), e.Tag()))
		}
	}
	return strings.Join(out, ", ")
}
