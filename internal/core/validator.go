package core

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"dailyprompt/internal/types"
)

// Validator wraps go-playground/validator with the request rules of the
// admin API. Field names in errors are the JSON names.
type Validator struct {
	v *validator.Validate
}

// NewValidator registers the custom tags:
//
//	local_date  a calendar date formatted YYYY-MM-DD
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("local_date", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.DateOnly, fl.Field().String())
		return err == nil
	})
	return &Validator{v: v}
}

// Validate checks dst and converts the first failure into an AppError.
func (val *Validator) Validate(dst any) error {
	err := val.v.Struct(dst)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "invalid request", err)
	}

	fe := fieldErrs[0]
	details := map[string]any{"field": fe.Field(), "rule": fe.Tag()}
	switch fe.Tag() {
	case "required":
		return types.NewAppError(types.ErrCodeValidationMissingField, fe.Field()+" is required", nil).WithDetails(details)
	case "local_date":
		return types.NewAppError(types.ErrCodeValidationInvalidDate, fe.Field()+" must be a date formatted YYYY-MM-DD", nil).WithDetails(details)
	default:
		return types.NewAppError(types.ErrCodeValidationInvalidField, fe.Field()+" is invalid", nil).WithDetails(details)
	}
}
