package users

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Status is the account state.
type Status int16

const (
	StatusInactive Status = 0
	StatusActive   Status = 1
)

// String implements fmt.Stringer.
func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "inactive"
}

// Scenario selects which validation rules apply to a save.
type Scenario string

const (
	ScenarioDefault        Scenario = "default"
	ScenarioNewUser        Scenario = "newUser"
	ScenarioChangePassword Scenario = "changePassword"
)

// User is a stored identity. Secrets never leave the service as JSON.
type User struct {
	ID                int64     `json:"id"`
	Username          string    `json:"username"`
	Email             string    `json:"email,omitempty"`
	EmailConfirmed    bool      `json:"email_confirmed"`
	PasswordHash      string    `json:"-"`
	AuthKey           string    `json:"-"`
	ConfirmationToken string    `json:"-"`
	BindToIP          string    `json:"bind_to_ip,omitempty"`
	RegistrationIP    string    `json:"registration_ip,omitempty"`
	Status            Status    `json:"status"`
	Superadmin        bool      `json:"superadmin"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GetID implements rbac.Principal.
func (u User) GetID() int64 { return u.ID }

// IsSuperUser implements rbac.Principal.
func (u User) IsSuperUser() bool { return u.Superadmin }

// IsActive implements rbac.Principal.
func (u User) IsActive() bool { return u.Status == StatusActive }

// AllowedIPs splits the bind_to_ip list. An empty result means any address.
func (u User) AllowedIPs() []string {
	return splitIPList(u.BindToIP)
}

func splitIPList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CreateInput carries the fields of a new user.
type CreateInput struct {
	Username       string  `json:"username"`
	Email          string  `json:"email"`
	EmailConfirmed bool    `json:"email_confirmed"`
	Password       string  `json:"password"`
	RepeatPassword string  `json:"repeat_password"`
	BindToIP       string  `json:"bind_to_ip"`
	Status         *Status `json:"status"`
	Superadmin     bool    `json:"superadmin"`
}

// UpdateInput replaces the editable fields of a user. An empty password keeps
// the stored hash, and a nil flag or status keeps the stored value. Changing
// the email without email_confirmed marks it unconfirmed.
type UpdateInput struct {
	Username       string  `json:"username"`
	Email          string  `json:"email"`
	EmailConfirmed *bool   `json:"email_confirmed"`
	Password       string  `json:"password"`
	RepeatPassword string  `json:"repeat_password"`
	BindToIP       string  `json:"bind_to_ip"`
	Status         *Status `json:"status"`
	Superadmin     *bool   `json:"superadmin"`
}

// PasswordInput changes a password.
type PasswordInput struct {
	Password       string `json:"password"`
	RepeatPassword string `json:"repeat_password"`
}

// ListFilters narrows List.
type ListFilters struct {
	Search  string
	Status  *Status
	Page    int
	PerPage int
}

var (
	// ErrNotFound is returned when no user matches.
	ErrNotFound = fmt.Errorf("users: %w", shared.ErrNotFound)
	// ErrRejected is returned when a save or delete breaks a self-protection
	// rule: deactivating or deleting yourself, or a non-superadmin touching a
	// superadmin.
	ErrRejected = errors.New("users: operation rejected")
	// ErrInvalidToken is returned for unknown confirmation tokens.
	ErrInvalidToken = errors.New("users: invalid confirmation token")
)
