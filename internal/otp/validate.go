package otp

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// subject identifies who a code is for.
type subject struct {
	Identity string `json:"identity" validate:"required,max=254,e164|email"`
	TenantID string `json:"tenant_id" validate:"required,max=64,printascii"`
}

type submission struct {
	Identity string `json:"identity" validate:"required,max=254,e164|email"`
	TenantID string `json:"tenant_id" validate:"required,max=64,printascii"`
	Code     string `json:"code" validate:"required,max=16,numeric"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateInput runs the struct validator and folds its errors into
// ErrInvalidInput.
func validateInput(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", e.Field(), e.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(fields, ", "))
}
