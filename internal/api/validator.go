package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"loadiq/internal/types"
)

// Validator wraps go-playground/validator with the label tag and JSON field
// names in error details.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator and registers the custom tags.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("label", func(fl validator.FieldLevel) bool {
		l := types.Label(fl.Field().String())
		return l == types.LabelHeatpump || l == types.LabelOther
	})
	return &Validator{validate: v}
}

// ValidateStruct checks s and reports the first failing field as an
// AppError with the field name in its details.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	fe := verrs[0]
	details := map[string]any{"field": fe.Field()}
	switch fe.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			fe.Field()+" is required", nil, details)
	case "label":
		details["value"] = fe.Value()
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidLabel,
			"label must be heatpump or other", nil, details)
	default:
		details["rule"] = fe.Tag()
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidParam,
			fe.Field()+" is invalid", nil, details)
	}
}
