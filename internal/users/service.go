package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (User, error)
	GetByConfirmationToken(ctx context.Context, token string) (User, error)
	List(ctx context.Context, filters ListFilters) ([]User, int, error)
	Create(ctx context.Context, user User) (User, error)
	Update(ctx context.Context, user User) (User, error)
	Delete(ctx context.Context, id int64) error
	UsernameTaken(ctx context.Context, username string, exceptID int64) (bool, error)
	ConfirmedEmailTaken(ctx context.Context, email string, exceptID int64) (bool, error)
}

// ConfirmationSender delivers email confirmation links.
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, user User, token string) error
}

// Config groups optional Service collaborators.
type Config struct {
	BcryptCost    int
	Confirmations ConfirmationSender
	Audit         shared.AuditRecorder
	Logger        *slog.Logger
	Now           func() time.Time
}

// Service handles user business logic.
type Service struct {
	repo          RepositoryPort
	validator     *validator.Validate
	cost          int
	confirmations ConfirmationSender
	audit         shared.AuditRecorder
	logger        *slog.Logger
	now           func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cfg Config) *Service {
	s := &Service{
		repo:          repo,
		validator:     newValidator(),
		cost:          cfg.BcryptCost,
		confirmations: cfg.Confirmations,
		audit:         cfg.Audit,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.audit == nil {
		s.audit = shared.NopAuditRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.repo.Get(ctx, id)
}

// LookupPrincipal implements rbac.PrincipalLookup.
func (s *Service) LookupPrincipal(ctx context.Context, id int64) (rbac.Principal, error) {
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// List returns one page of users and the pagination metadata.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]User, shared.Pagination, error) {
	filters.Page, filters.PerPage = shared.NormalizePage(filters.Page, filters.PerPage)
	filters.Search = strings.TrimSpace(filters.Search)
	users, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// Create validates and stores a new user in the newUser scenario.
func (s *Service) Create(ctx context.Context, actor shared.Actor, input CreateInput) (User, error) {
	status := StatusActive
	if input.Status != nil {
		status = *input.Status
	}
	user := User{
		Username:       normalizeUsername(input.Username),
		Email:          strings.TrimSpace(input.Email),
		EmailConfirmed: input.EmailConfirmed,
		BindToIP:       strings.TrimSpace(input.BindToIP),
		Status:         status,
		Superadmin:     input.Superadmin,
	}
	password := strings.TrimSpace(input.Password)
	f := form{
		Username:       user.Username,
		Email:          user.Email,
		BindToIP:       user.BindToIP,
		Status:         user.Status,
		Password:       password,
		RepeatPassword: strings.TrimSpace(input.RepeatPassword),
	}
	if err := s.check(ctx, f, ScenarioNewUser, 0); err != nil {
		return User{}, err
	}
	if err := guardCreate(actor, &user); err != nil {
		return User{}, err
	}

	user.BindToIP = normalizeIPList(user.BindToIP)
	user.AuthKey = newAuthKey()
	hash, err := s.hash(password)
	if err != nil {
		return User{}, err
	}
	user.PasswordHash = hash
	if user.Email != "" && !user.EmailConfirmed {
		user.ConfirmationToken = s.newConfirmationToken()
	}

	created, err := s.repo.Create(ctx, user)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, actor, shared.AuditUserCreated, created.ID, nil)
	if created.ConfirmationToken != "" {
		s.sendConfirmation(ctx, created)
	}
	return created, nil
}

// Update validates and saves the editable fields of a user in the default
// scenario, applying the self-protection rules.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, input UpdateInput) (User, error) {
	stored, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	next := stored
	next.Username = normalizeUsername(input.Username)
	next.Email = strings.TrimSpace(input.Email)
	switch {
	case input.EmailConfirmed != nil:
		next.EmailConfirmed = *input.EmailConfirmed
	case next.Email != stored.Email:
		next.EmailConfirmed = false
	}
	next.BindToIP = strings.TrimSpace(input.BindToIP)
	if input.Status != nil {
		next.Status = *input.Status
	}
	if input.Superadmin != nil {
		next.Superadmin = *input.Superadmin
	}
	reconfirm := next.Email != "" && next.Email != stored.Email && !next.EmailConfirmed
	if next.EmailConfirmed || next.Email == "" {
		next.ConfirmationToken = ""
	}

	password := strings.TrimSpace(input.Password)
	f := form{
		Username:       next.Username,
		Email:          next.Email,
		BindToIP:       next.BindToIP,
		Status:         next.Status,
		Password:       password,
		RepeatPassword: strings.TrimSpace(input.RepeatPassword),
	}
	if err := s.check(ctx, f, ScenarioDefault, stored.ID); err != nil {
		return User{}, err
	}
	if err := guardUpdate(actor, stored, &next); err != nil {
		return User{}, err
	}

	next.BindToIP = normalizeIPList(next.BindToIP)
	if password != "" {
		hash, err := s.hash(password)
		if err != nil {
			return User{}, err
		}
		next.PasswordHash = hash
	}
	if reconfirm {
		next.ConfirmationToken = s.newConfirmationToken()
	}
	updated, err := s.repo.Update(ctx, next)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, actor, shared.AuditUserUpdated, updated.ID, map[string]any{
		"status":     updated.Status.String(),
		"superadmin": updated.Superadmin,
	})
	if reconfirm {
		s.sendConfirmation(ctx, updated)
	}
	return updated, nil
}

// ChangePassword sets a new password in the changePassword scenario.
func (s *Service) ChangePassword(ctx context.Context, actor shared.Actor, id int64, input PasswordInput) error {
	stored, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	password := strings.TrimSpace(input.Password)
	f := form{
		Username:       stored.Username,
		Email:          stored.Email,
		BindToIP:       stored.BindToIP,
		Status:         stored.Status,
		Password:       password,
		RepeatPassword: strings.TrimSpace(input.RepeatPassword),
	}
	if verr := s.validate(f, ScenarioChangePassword); verr.orNil() != nil {
		return verr
	}
	next := stored
	if err := guardUpdate(actor, stored, &next); err != nil {
		return err
	}
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	next.PasswordHash = hash
	if _, err := s.repo.Update(ctx, next); err != nil {
		return err
	}
	s.record(ctx, actor, shared.AuditPasswordChanged, id, nil)
	return nil
}

// Delete removes a user unless a self-protection rule forbids it.
func (s *Service) Delete(ctx context.Context, actor shared.Actor, id int64) error {
	stored, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := guardDelete(actor, stored); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, shared.AuditUserDeleted, id, map[string]any{"username": stored.Username})
	return nil
}

// ConfirmEmail marks the email behind token as confirmed. The address must
// not already be confirmed by another active user.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, ErrInvalidToken
	}
	user, err := s.repo.GetByConfirmationToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}
	if user.Email == "" {
		return User{}, ErrInvalidToken
	}
	taken, err := s.repo.ConfirmedEmailTaken(ctx, user.Email, user.ID)
	if err != nil {
		return User{}, err
	}
	if taken {
		return User{}, &ValidationError{Fields: map[string]string{"email": "this email already exists"}}
	}
	user.EmailConfirmed = true
	user.ConfirmationToken = ""
	updated, err := s.repo.Update(ctx, user)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, shared.Actor{UserID: user.ID}, shared.AuditEmailConfirmed, user.ID, nil)
	return updated, nil
}

// check runs field validation plus the uniqueness rules that need storage.
func (s *Service) check(ctx context.Context, f form, scenario Scenario, selfID int64) error {
	verr := s.validate(f, scenario)
	if _, bad := verr.Fields["username"]; !bad {
		taken, err := s.repo.UsernameTaken(ctx, f.Username, selfID)
		if err != nil {
			return err
		}
		if taken {
			verr.add("username", "this username has already been taken")
		}
	}
	if _, bad := verr.Fields["email"]; !bad && f.Email != "" {
		taken, err := s.repo.ConfirmedEmailTaken(ctx, f.Email, selfID)
		if err != nil {
			return err
		}
		if taken {
			verr.add("email", "this email already exists")
		}
	}
	return verr.orNil()
}

func (s *Service) sendConfirmation(ctx context.Context, user User) {
	if s.confirmations == nil {
		return
	}
	if err := s.confirmations.SendConfirmation(ctx, user, user.ConfirmationToken); err != nil {
		s.logger.Warn("users send confirmation", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
}

func (s *Service) hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("users: hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) newConfirmationToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + strconv.FormatInt(s.now().Unix(), 10)
}

func newAuthKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, userID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("users audit", slog.String("action", action), slog.Any("error", err))
	}
}
