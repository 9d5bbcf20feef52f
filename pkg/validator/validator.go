package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	playground "github.com/go-playground/validator/v10"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

var (
	once     sync.Once
	validate *playground.Validate
)

func instance() *playground.Validate {
	once.Do(func() {
		validate = playground.New(playground.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("password", func(fl playground.FieldLevel) bool {
			return passwordProblem(fl.Field().String()) == ""
		})
	})
	return validate
}

// Struct checks v against its validate tags and reports one message per
// failing field, keyed by the field's JSON name.
func Struct(v any) ValidationErrors {
	errs := make(ValidationErrors)
	err := instance().Struct(v)
	if err == nil {
		return errs
	}

	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) {
		errs.Add("_", err.Error())
		return errs
	}
	for _, fe := range verrs {
		field := fe.Field()
		if _, seen := errs[field]; seen {
			continue
		}
		errs.Add(field, message(fe))
	}
	return errs
}

func message(fe playground.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return "Invalid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s is too long", field)
	case "alphanum":
		return fmt.Sprintf("%s can only contain letters and numbers", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "datetime":
		return fmt.Sprintf("%s must be a date like 2006-01-02", field)
	case "password":
		return passwordProblem(fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func passwordProblem(password string) string {
	if len(password) < 8 {
		return "Password must be at least 8 characters"
	}

	var hasUpper, hasLower, hasDigit bool
	for _, ch := range password {
		switch {
		case unicode.IsUpper(ch):
			hasUpper = true
		case unicode.IsLower(ch):
			hasLower = true
		case unicode.IsDigit(ch):
			hasDigit = true
		}
	}

	missing := []string{}
	if !hasUpper {
		missing = append(missing, "one uppercase letter")
	}
	if !hasLower {
		missing = append(missing, "one lowercase letter")
	}
	if !hasDigit {
		missing = append(missing, "one number")
	}

	if len(missing) > 0 {
		return fmt.Sprintf("Password must contain at least %s", strings.Join(missing, ", "))
	}
	return ""
}
