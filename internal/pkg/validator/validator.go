package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Transaction category validation
	validate.RegisterValidation("tx_category", func(fl validator.FieldLevel) bool {
		category := fl.Field().String()
		validCategories := []string{"TOP_UP", "PAYMENT", "TRANSFER", "REFUND", "EVENT_PAYMENT", "WITHDRAWAL"}
		for _, c := range validCategories {
			if category == c {
				return true
			}
		}
		return false
	})

	// Payment method validation
	validate.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		method := fl.Field().String()
		validMethods := []string{"wallet", "card", ""}
		for _, m := range validMethods {
			if method == m {
				return true
			}
		}
		return false
	})

	// Refund policy validation
	validate.RegisterValidation("refund_policy", func(fl validator.FieldLevel) bool {
		policy := fl.Field().String()
		validPolicies := []string{"full", "partial", "none"}
		for _, p := range validPolicies {
			if policy == p {
				return true
			}
		}
		return false
	})
}

// Validate validates a struct and returns validation errors
func Validate(s interface{}) error {
	return validate.Struct(s)
}

// FormatErrors converts validator errors to a field -> message map
func FormatErrors(err error) map[string]string {
	errors := make(map[string]string)

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrors {
			errors[e.Field()] = formatMessage(e)
		}
	}

	return errors
}

func formatMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is below the allowed minimum"
	case "max":
		return "Value exceeds the allowed maximum"
	case "gt":
		return "Value must be greater than " + e.Param()
	case "tx_category":
		return "Unknown transaction category"
	case "payment_method":
		return "Unknown payment method"
	case "refund_policy":
		return "Unknown refund policy"
	case "uuid":
		return "Must be a valid UUID"
	default:
		return "Invalid value"
	}
}
