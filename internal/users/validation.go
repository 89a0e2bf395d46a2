package users

import (
	"errors"
	"net/netip"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// ValidationError collects per-field messages keyed by JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "users: validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// form is the validated shape shared by every scenario.
type form struct {
	Username         string `json:"username" validate:"required,max=255"`
	Email            string `json:"email" validate:"omitempty,email,max=128"`
	BindToIP         string `json:"bind_to_ip" validate:"omitempty,max=255,ip_list"`
	Status           Status `json:"status" validate:"oneof=0 1"`
	Password         string `json:"password" validate:"required_if=PasswordRequired true,max=255"`
	RepeatPassword   string `json:"repeat_password" validate:"required_if=PasswordRequired true,eqfield=Password"`
	PasswordRequired bool   `json:"-"`
}

var messages = map[string]string{
	"required":    "cannot be blank",
	"required_if": "cannot be blank",
	"max":         "is too long",
	"email":       "is not a valid email address",
	"ip_list":     "wrong format, enter valid IPs separated by comma",
	"eqfield":     "passwords do not match",
	"oneof":       "is not a valid value",
}

func newValidator() *validator.Validate {
	v := shared.NewValidator()
	_ = v.RegisterValidation("ip_list", func(fl validator.FieldLevel) bool {
		return validIPList(fl.Field().String())
	})
	return v
}

// validIPList accepts comma separated IP addresses or CIDR prefixes.
func validIPList(raw string) bool {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return false
		}
		if _, err := netip.ParseAddr(part); err == nil {
			continue
		}
		if _, err := netip.ParsePrefix(part); err == nil {
			continue
		}
		return false
	}
	return true
}

// normalizeUsername trims and NFC normalizes so visually equal names collide.
func normalizeUsername(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}

// normalizeIPList trims every element and drops empty ones.
func normalizeIPList(raw string) string {
	return strings.Join(splitIPList(raw), ",")
}

func (s *Service) validate(f form, scenario Scenario) *ValidationError {
	verr := &ValidationError{}
	f.PasswordRequired = scenario == ScenarioNewUser || scenario == ScenarioChangePassword
	if err := s.validator.Struct(f); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			verr.add("form", err.Error())
			return verr
		}
		for _, fe := range fieldErrs {
			msg, ok := messages[fe.Tag()]
			if !ok {
				msg = "is invalid"
			}
			verr.add(fe.Field(), msg)
		}
	}
	return verr
}
