package users

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
}

func newMemoryRepo(users ...User) *memoryRepo {
	repo := &memoryRepo{users: map[int64]User{}}
	for _, u := range users {
		repo.users[u.ID] = u
		if u.ID > repo.nextID {
			repo.nextID = u.ID
		}
	}
	return repo
}

func (m *memoryRepo) Get(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memoryRepo) GetByConfirmationToken(_ context.Context, token string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ConfirmationToken == token {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memoryRepo) List(_ context.Context, filters ListFilters) ([]User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []User
	for _, u := range m.users {
		if filters.Search != "" && !strings.Contains(u.Username, filters.Search) {
			continue
		}
		if filters.Status != nil && u.Status != *filters.Status {
			continue
		}
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := (filters.Page - 1) * filters.PerPage
	if start > len(all) {
		start = len(all)
	}
	end := start + filters.PerPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

// emailConflict mirrors the user_confirmed_email_key partial index.
func (m *memoryRepo) emailConflict(u User) bool {
	if !u.EmailConfirmed || u.Status != StatusActive {
		return false
	}
	for _, other := range m.users {
		if other.ID != u.ID && other.EmailConfirmed && other.Status == StatusActive && strings.EqualFold(other.Email, u.Email) {
			return true
		}
	}
	return false
}

func (m *memoryRepo) Create(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emailConflict(u) {
		return User{}, &ValidationError{Fields: map[string]string{"email": "has already been taken"}}
	}
	m.nextID++
	u.ID = m.nextID
	m.users[u.ID] = u
	return u, nil
}

func (m *memoryRepo) Update(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return User{}, ErrNotFound
	}
	if m.emailConflict(u) {
		return User{}, &ValidationError{Fields: map[string]string{"email": "has already been taken"}}
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *memoryRepo) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *memoryRepo) UsernameTaken(_ context.Context, username string, exceptID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username && u.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) ConfirmedEmailTaken(_ context.Context, email string, exceptID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) && u.EmailConfirmed && u.Status == StatusActive && u.ID != exceptID {
			return true, nil
		}
	}
	return false, nil
}

type recordingSender struct {
	tokens map[int64]string
}

func (r *recordingSender) SendConfirmation(_ context.Context, user User, token string) error {
	if r.tokens == nil {
		r.tokens = map[int64]string{}
	}
	r.tokens[user.ID] = token
	return nil
}

func fixtures() *memoryRepo {
	return newMemoryRepo(
		User{ID: 1, Username: "root", Status: StatusActive, Superadmin: true, PasswordHash: "x"},
		User{ID: 2, Username: "manager", Status: StatusActive, PasswordHash: "x"},
		User{ID: 3, Username: "clerk", Status: StatusActive, Email: "clerk@example.com", EmailConfirmed: true, PasswordHash: "x"},
	)
}

func newTestService(repo *memoryRepo, sender ConfirmationSender) *Service {
	return NewService(repo, Config{BcryptCost: bcrypt.MinCost, Confirmations: sender})
}

var (
	root    = shared.Actor{UserID: 1, Superadmin: true, IP: "10.1.1.1"}
	manager = shared.Actor{UserID: 2, IP: "10.1.1.2"}
)

func ptr[T any](v T) *T { return &v }

func validationFields(t *testing.T, err error) map[string]string {
	t.Helper()
	verr, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %v", err)
	return verr.Fields
}

func TestCreateUser(t *testing.T) {
	repo := fixtures()
	sender := &recordingSender{}
	svc := newTestService(repo, sender)

	user, err := svc.Create(context.Background(), manager, CreateInput{
		Username:       "  alice ",
		Email:          "alice@example.com",
		Password:       " s3cret ",
		RepeatPassword: "s3cret",
		BindToIP:       "10.0.0.1 , ::1",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, StatusActive, user.Status)
	assert.Equal(t, "10.1.1.2", user.RegistrationIP)
	assert.Equal(t, "10.0.0.1,::1", user.BindToIP)
	assert.Len(t, user.AuthKey, 32)
	assert.NotEqual(t, "s3cret", user.PasswordHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("s3cret")))
	assert.NotEmpty(t, user.ConfirmationToken)
	assert.Equal(t, user.ConfirmationToken, sender.tokens[user.ID])
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, root, CreateInput{Username: "bob", Password: "a", RepeatPassword: "b"})
	assert.Equal(t, map[string]string{"repeat_password": "passwords do not match"}, validationFields(t, err))

	_, err = svc.Create(ctx, root, CreateInput{Username: "bob"})
	fields := validationFields(t, err)
	assert.Contains(t, fields, "password")
	assert.Contains(t, fields, "repeat_password")

	_, err = svc.Create(ctx, root, CreateInput{Username: "manager", Password: "p", RepeatPassword: "p"})
	assert.Contains(t, validationFields(t, err), "username")

	_, err = svc.Create(ctx, root, CreateInput{Username: " ", Password: "p", RepeatPassword: "p", Email: "not-an-email"})
	fields = validationFields(t, err)
	assert.Contains(t, fields, "username")
	assert.Contains(t, fields, "email")

	_, err = svc.Create(ctx, root, CreateInput{Username: "dup", Password: "p", RepeatPassword: "p", Email: "CLERK@example.com"})
	assert.Equal(t, "this email already exists", validationFields(t, err)["email"])
}

func TestBindToIPValidation(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, root, CreateInput{Username: "ip1", Password: "p", RepeatPassword: "p", BindToIP: "10.0.0.1, not-an-ip"})
	fields := validationFields(t, err)
	assert.Len(t, fields, 1)
	assert.Contains(t, fields, "bind_to_ip")

	_, err = svc.Create(ctx, root, CreateInput{Username: "ip2", Password: "p", RepeatPassword: "p", BindToIP: "10.0.0.1, ::1"})
	assert.NoError(t, err)

	_, err = svc.Create(ctx, root, CreateInput{Username: "ip3", Password: "p", RepeatPassword: "p", BindToIP: "192.168.0.0/24"})
	assert.NoError(t, err)

	_, err = svc.Create(ctx, root, CreateInput{Username: "ip4", Password: "p", RepeatPassword: "p", BindToIP: "10.0.0.1,"})
	assert.Contains(t, validationFields(t, err), "bind_to_ip")
}

func TestUsernameIsNFCNormalized(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	ctx := context.Background()
	_, err := svc.Create(ctx, root, CreateInput{Username: "jos\u00e9", Password: "p", RepeatPassword: "p"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, root, CreateInput{Username: "jose\u0301", Password: "p", RepeatPassword: "p"})
	assert.Contains(t, validationFields(t, err), "username")
}

func TestOnlySuperadminCreatesSuperadmin(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, manager, CreateInput{Username: "boss", Password: "p", RepeatPassword: "p", Superadmin: true})
	assert.ErrorIs(t, err, ErrRejected)

	created, err := svc.Create(ctx, root, CreateInput{Username: "boss", Password: "p", RepeatPassword: "p", Superadmin: true})
	require.NoError(t, err)
	assert.True(t, created.Superadmin)

	system, err := svc.Create(ctx, shared.SystemActor(), CreateInput{Username: "seed", Password: "p", RepeatPassword: "p"})
	require.NoError(t, err)
	assert.Empty(t, system.RegistrationIP)
}

func TestSelfUpdateCannotDeactivate(t *testing.T) {
	repo := fixtures()
	svc := newTestService(repo, nil)

	updated, err := svc.Update(context.Background(), manager, 2, UpdateInput{Username: "manager", Status: ptr(StatusInactive)})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)

	stored, _ := repo.Get(context.Background(), 2)
	assert.Equal(t, StatusActive, stored.Status)
}

func TestSuperadminCannotDemoteThemself(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	updated, err := svc.Update(context.Background(), root, 1, UpdateInput{Username: "root", Status: ptr(StatusActive), Superadmin: ptr(false)})
	require.NoError(t, err)
	assert.True(t, updated.Superadmin)
}

func TestNonSuperadminCannotTouchSuperadmin(t *testing.T) {
	repo := fixtures()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	_, err := svc.Update(ctx, manager, 1, UpdateInput{Username: "root", Status: ptr(StatusActive), Superadmin: ptr(true)})
	assert.ErrorIs(t, err, ErrRejected)
	stored, _ := repo.Get(ctx, 1)
	assert.Equal(t, "x", stored.PasswordHash)

	_, err = svc.Update(ctx, manager, 3, UpdateInput{Username: "clerk", Status: ptr(StatusActive), Superadmin: ptr(true)})
	assert.ErrorIs(t, err, ErrRejected)

	err = svc.ChangePassword(ctx, manager, 1, PasswordInput{Password: "new", RepeatPassword: "new"})
	assert.ErrorIs(t, err, ErrRejected)

	assert.ErrorIs(t, svc.Delete(ctx, manager, 1), ErrRejected)
}

func TestAdminMayDeactivateOthers(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	updated, err := svc.Update(context.Background(), root, 3, UpdateInput{
		Username: "clerk", Email: "clerk@example.com", EmailConfirmed: ptr(true), Status: ptr(StatusInactive),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, updated.Status)
	assert.False(t, updated.IsActive())
}

func TestUpdateKeepsPasswordUnlessGiven(t *testing.T) {
	repo := fixtures()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	updated, err := svc.Update(ctx, root, 2, UpdateInput{Username: "manager", Status: ptr(StatusActive)})
	require.NoError(t, err)
	assert.Equal(t, "x", updated.PasswordHash)

	_, err = svc.Update(ctx, root, 2, UpdateInput{Username: "manager", Status: ptr(StatusActive), Password: "one", RepeatPassword: "two"})
	assert.Contains(t, validationFields(t, err), "repeat_password")

	updated, err = svc.Update(ctx, root, 2, UpdateInput{Username: "manager", Status: ptr(StatusActive), Password: "one", RepeatPassword: "one"})
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(updated.PasswordHash), []byte("one")))
}

func TestUpdateKeepsOmittedFlags(t *testing.T) {
	repo := fixtures()
	repo.users[4] = User{ID: 4, Username: "deputy", Status: StatusActive, Superadmin: true, PasswordHash: "x"}
	repo.nextID = 4
	svc := newTestService(repo, nil)
	ctx := context.Background()

	updated, err := svc.Update(ctx, root, 4, UpdateInput{Username: "deputy"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
	assert.True(t, updated.Superadmin)

	updated, err = svc.Update(ctx, root, 3, UpdateInput{Username: "clerk", Email: "clerk@example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
	assert.True(t, updated.EmailConfirmed)

	updated, err = svc.Update(ctx, root, 3, UpdateInput{Username: "clerk", Email: "clerk@new.example.com"})
	require.NoError(t, err)
	assert.False(t, updated.EmailConfirmed)
	assert.NotEmpty(t, updated.ConfirmationToken)

	updated, err = svc.Update(ctx, root, 4, UpdateInput{Username: "deputy", Superadmin: ptr(false)})
	require.NoError(t, err)
	assert.False(t, updated.Superadmin)
}

func TestChangePassword(t *testing.T) {
	repo := fixtures()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	err := svc.ChangePassword(ctx, manager, 2, PasswordInput{Password: "", RepeatPassword: ""})
	assert.Contains(t, validationFields(t, err), "password")

	err = svc.ChangePassword(ctx, manager, 2, PasswordInput{Password: "abc", RepeatPassword: "abd"})
	assert.Contains(t, validationFields(t, err), "repeat_password")

	require.NoError(t, svc.ChangePassword(ctx, manager, 2, PasswordInput{Password: "abc", RepeatPassword: "abc"}))
	stored, _ := repo.Get(ctx, 2)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("abc")))
}

func TestDeleteRules(t *testing.T) {
	repo := fixtures()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Delete(ctx, manager, 2), ErrRejected)
	assert.ErrorIs(t, svc.Delete(ctx, root, 1), ErrRejected)
	require.NoError(t, svc.Delete(ctx, manager, 3))
	assert.ErrorIs(t, svc.Delete(ctx, manager, 3), shared.ErrNotFound)
	require.NoError(t, svc.Delete(ctx, shared.SystemActor(), 1))
}

func TestConfirmEmail(t *testing.T) {
	repo := fixtures()
	sender := &recordingSender{}
	svc := newTestService(repo, sender)
	ctx := context.Background()

	first, err := svc.Create(ctx, root, CreateInput{Username: "a", Email: "shared@example.com", Password: "p", RepeatPassword: "p"})
	require.NoError(t, err)
	second, err := svc.Create(ctx, root, CreateInput{Username: "b", Email: "shared@example.com", Password: "p", RepeatPassword: "p"})
	require.NoError(t, err)

	confirmed, err := svc.ConfirmEmail(ctx, sender.tokens[first.ID])
	require.NoError(t, err)
	assert.True(t, confirmed.EmailConfirmed)
	assert.Empty(t, confirmed.ConfirmationToken)

	_, err = svc.ConfirmEmail(ctx, sender.tokens[first.ID])
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ConfirmEmail(ctx, sender.tokens[second.ID])
	assert.Contains(t, validationFields(t, err), "email")

	_, err = svc.ConfirmEmail(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestConfirmEmailIgnoresInactiveHolders(t *testing.T) {
	repo := fixtures()
	repo.users[4] = User{ID: 4, Username: "former", Status: StatusInactive, Email: "Desk@example.com", EmailConfirmed: true, PasswordHash: "x"}
	repo.nextID = 4
	sender := &recordingSender{}
	svc := newTestService(repo, sender)
	ctx := context.Background()

	created, err := svc.Create(ctx, root, CreateInput{Username: "desk", Email: "desk@example.com", Password: "p", RepeatPassword: "p"})
	require.NoError(t, err)

	confirmed, err := svc.ConfirmEmail(ctx, sender.tokens[created.ID])
	require.NoError(t, err)
	assert.True(t, confirmed.EmailConfirmed)

	// Reactivating the former holder now collides with the active owner.
	former := repo.users[4]
	former.Status = StatusActive
	_, err = repo.Update(ctx, former)
	assert.Contains(t, validationFields(t, err), "email")
}

func TestListPaginates(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	users, page, err := svc.List(context.Background(), ListFilters{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(3), users[0].ID)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
}

func TestLookupPrincipal(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	p, err := svc.LookupPrincipal(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, p.IsSuperUser())
	assert.True(t, p.IsActive())

	_, err = svc.LookupPrincipal(context.Background(), 42)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

type noGrants struct{}

func (noGrants) InsertAssignment(context.Context, int64, string, time.Time) error { return nil }
func (noGrants) DeleteAssignment(context.Context, int64, string) (int64, error)   { return 0, nil }
func (noGrants) ListAssignments(context.Context, int64) ([]rbac.Assignment, error) {
	return nil, nil
}
func (noGrants) LoadGrants(context.Context, int64) (rbac.Grants, error) { return rbac.Grants{}, nil }
func (noGrants) RoutesUnder(context.Context, string) ([]string, error)  { return nil, nil }

func TestHandlerErrorMapping(t *testing.T) {
	svc := newTestService(fixtures(), nil)
	authorizer := rbac.NewAuthorizer(rbac.Config{Store: noGrants{}})
	h := NewHandler(nil, svc, rbac.Middleware{Authorizer: authorizer})

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := shared.Actor{UserID: 2, Superadmin: r.Header.Get("X-Test-Super") == "1"}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
		})
	})
	router.Route("/users", h.MountRoutes)

	do := func(method, path, body string, super bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if super {
			req.Header.Set("X-Test-Super", "1")
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusForbidden, do(http.MethodGet, "/users", "", false).Code)

	rr := do(http.MethodGet, "/users?per_page=2", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total":3`)
	assert.NotContains(t, rr.Body.String(), "password_hash")

	rr = do(http.MethodPost, "/users", `{"username":"x","password":"a","repeat_password":"b"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "repeat_password")

	rr = do(http.MethodDelete, "/users/2", "", true)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(http.MethodGet, "/users/99", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(http.MethodPost, "/users/confirm-email", `{"token":"nope"}`, false)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}
