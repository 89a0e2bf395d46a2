package auth

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// ErrIPNotAllowed is returned when the account is bound to other addresses.
var ErrIPNotAllowed = errors.New("auth: login from this address is not allowed")

// Service wraps authentication business rules.
type Service struct {
	repo Repository
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate validates username/password credentials for a login from ip.
// Unknown users, inactive users and wrong passwords are indistinguishable.
func (s *Service) Authenticate(ctx context.Context, username, password, ip string) (*User, error) {
	user, err := s.repo.FindByUsername(ctx, norm.NFC.String(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.Active {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !IPAllowed(ip, user.AllowedIPs()) {
		return nil, ErrIPNotAllowed
	}
	return user, nil
}

// IPAllowed reports whether ip equals one of the allowed addresses or falls
// inside one of the allowed prefixes. An empty list allows everything.
func IPAllowed(ip string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(entry); err == nil && other.Unmap() == addr {
			return true
		}
	}
	return false
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
