package service

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/repotrack/internal/apperror"
	"github.com/sakif/repotrack/internal/auth"
	"github.com/sakif/repotrack/internal/model"
)

// minBirthYear is the earliest accepted year of birth.
const minBirthYear = 1900

// rutPattern accepts "12.345.678-5" and "12345678-5": 1-3 digits followed by
// one or two groups of three, optional dots, a hyphen and the check digit.
var rutPattern = regexp.MustCompile(`^\d{1,3}(\.?\d{3}){1,2}-[\dkK]$`)

// ValidRUT reports whether s is a well-formed Chilean RUT whose check digit
// matches its body (modulo 11, "K" for 10).
func ValidRUT(s string) bool {
	if !rutPattern.MatchString(s) {
		return false
	}
	body, dv, _ := strings.Cut(strings.ReplaceAll(s, ".", ""), "-")
	return rutCheckDigit(body) == strings.ToUpper(dv)
}

// CanonicalRUT strips dots and upper-cases the check digit:
// "12.345.678-k" → "12345678-K". Input must already satisfy ValidRUT.
func CanonicalRUT(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), ".", ""))
}

func rutCheckDigit(body string) string {
	sum, weight := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	switch r := 11 - sum%11; r {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return fmt.Sprint(r)
	}
}

// newValidator builds the validator used by AccountService. Field names in
// errors are the JSON names, and model.Date is validated as its
// "YYYY-MM-DD" string ("" when zero).
func newValidator(now func() time.Time) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(model.Date); ok {
			return d.String()
		}
		return nil
	}, model.Date{})

	rules := map[string]validator.Func{
		"rut": func(fl validator.FieldLevel) bool {
			return ValidRUT(fl.Field().String())
		},
		"birthdate": func(fl validator.FieldLevel) bool {
			d, err := model.ParseDate(fl.Field().String())
			if err != nil {
				return false
			}
			today := now().UTC()
			return d.Year() >= minBirthYear && d.Year() <= today.Year() && !d.After(today)
		},
		"maxbytes": func(fl validator.FieldLevel) bool {
			return len(fl.Field().String()) <= auth.MaxPasswordBytes
		},
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			// Tags and funcs are static; failure is a programming error.
			panic(fmt.Sprintf("service: registering %q validation: %v", tag, err))
		}
	}

	return v
}

// validationError turns the first validator failure into an AppError with a
// client-facing message. Non-validator errors pass through unchanged.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	field := fe.Field()

	var msg string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
	case "email":
		msg = field + " must be a valid email address"
	case "max":
		msg = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "maxbytes":
		msg = fmt.Sprintf("%s must be at most %d bytes", field, auth.MaxPasswordBytes)
	case "rut":
		msg = field + " is not a valid RUT"
	case "birthdate":
		msg = fmt.Sprintf("%s must be a date between %d and today", field, minBirthYear)
	default:
		msg = field + " is invalid"
	}
	return apperror.ValidationFailed(field, msg)
}
