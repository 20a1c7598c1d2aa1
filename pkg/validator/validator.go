// Package validator wraps go-playground/validator for the Gateway adapter's
// inbound DTOs: the canonical obligation descriptor and the confirmation
// event. Wire parsing and business validation live elsewhere; this package
// only checks struct-tag constraints before a DTO reaches the core.
package validator

import (
	"fmt"
	"html"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

// ValidateStructured returns a map of field -> error message, used by the
// Gateway adapter to surface per-field rejection reasons to upstream.
func (v *Validator) ValidateStructured(i interface{}) map[string]string {
	errs := make(map[string]string)
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				msg := fmt.Sprintf("failed validation on '%s'", e.Tag())
				switch e.Tag() {
				case "required":
					msg = "This field is required"
				case "gt":
					msg = fmt.Sprintf("Must be greater than %s", e.Param())
				case "len":
					msg = fmt.Sprintf("Must be exactly %s characters", e.Param())
				case "oneof":
					msg = fmt.Sprintf("Must be one of: %s", e.Param())
				}
				errs[e.Field()] = msg
			}
		} else {
			errs["_global"] = err.Error()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (v *Validator) registerCustomValidations() {
	// decimal.Decimal fields validate against their float64 value so that
	// gt/lt tags work directly on Money amounts.
	v.validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if val, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := val.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
}

// Sanitize trims and HTML-escapes free-text input (descriptions, references)
// before it is persisted or logged.
func Sanitize(input string) string {
	return html.EscapeString(strings.TrimSpace(input))
}
