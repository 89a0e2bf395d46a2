package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

type principal struct {
	id    int64
	super bool
}

func (p principal) GetID() int64      { return p.id }
func (p principal) IsSuperUser() bool { return p.super }
func (p principal) IsActive() bool    { return true }

type principals map[int64]principal

func (p principals) LookupPrincipal(_ context.Context, id int64) (rbac.Principal, error) {
	found, ok := p[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return found, nil
}

type emptyStore struct{}

func (emptyStore) InsertAssignment(context.Context, int64, string, time.Time) error { return nil }
func (emptyStore) DeleteAssignment(context.Context, int64, string) (int64, error)   { return 0, nil }
func (emptyStore) ListAssignments(context.Context, int64) ([]rbac.Assignment, error) {
	return nil, nil
}
func (emptyStore) LoadGrants(context.Context, int64) (rbac.Grants, error) { return rbac.Grants{}, nil }
func (emptyStore) RoutesUnder(context.Context, string) ([]string, error)  { return nil, nil }

type routerHarness struct {
	handler  http.Handler
	sessions *shared.SessionManager
	csrf     *shared.CSRFManager
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := shared.NewSessionManager(client, "iam_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")
	authorizer := rbac.NewAuthorizer(rbac.Config{
		Store:      emptyStore{},
		Versions:   rbac.NewRedisVersion(client, ""),
		FreeAccess: rbac.NewFreeAccess([]string{"/healthz"}, "", nil, ""),
		Logger:     logger,
	})
	mw := rbac.Middleware{
		Authorizer: authorizer,
		Principals: principals{1: {id: 1, super: true}, 2: {id: 2}},
		Logger:     logger,
	}
	handler := NewRouter(RouterParams{
		Logger:         logger,
		Config:         &Config{RateLimit: 1000, CORSAllowedOrigins: []string{"https://console.example.com"}},
		SessionManager: sessions,
		CSRFManager:    csrf,
		RBACHandler:    rbac.NewHandler(logger, authorizer, nil, mw),
		RBACMiddleware: mw,
		Metrics:        observability.NewMetrics(),
	})
	return &routerHarness{handler: handler, sessions: sessions, csrf: csrf}
}

// login stores a session for userID and returns its cookie and CSRF token.
func (h *routerHarness) login(t *testing.T, userID string) (*http.Cookie, string) {
	t.Helper()
	ctx := context.Background()
	sess, err := h.sessions.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(userID)
	token, err := h.csrf.EnsureToken(sess)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.NoError(t, h.sessions.Commit(ctx, rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0], token
}

func (h *routerHarness) do(method, path, body string, cookie *http.Cookie, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if token != "" {
		req.Header.Set(shared.CSRFHeader, token)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthzIsPublicAndStartsSession(t *testing.T) {
	h := newRouterHarness(t)
	rr := h.do(http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Result().Cookies())
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestSelfPermissionsNeedLogin(t *testing.T) {
	h := newRouterHarness(t)
	rr := h.do(http.MethodGet, "/me/permissions", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	cookie, _ := h.login(t, "2")
	rr = h.do(http.MethodGet, "/me/permissions", "", cookie, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"user_id":2`)
	assert.Contains(t, rr.Body.String(), `"superadmin":false`)
}

func TestCSRFRequiredForLoggedInWrites(t *testing.T) {
	h := newRouterHarness(t)
	cookie, token := h.login(t, "1")

	rr := h.do(http.MethodPost, "/users/5/roles", `{"role":"editor"}`, cookie, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = h.do(http.MethodPost, "/users/5/roles", `{"role":"editor"}`, cookie, "forged")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = h.do(http.MethodPost, "/users/5/roles", `{"role":"editor"}`, cookie, token)
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestAssignmentRoutesAreRouteGuarded(t *testing.T) {
	h := newRouterHarness(t)

	rr := h.do(http.MethodGet, "/users/5/roles", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	cookie, token := h.login(t, "2")
	rr = h.do(http.MethodPost, "/users/5/roles", `{"role":"editor"}`, cookie, token)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestStaleSessionUserIsLoggedOut(t *testing.T) {
	h := newRouterHarness(t)
	cookie, _ := h.login(t, "99")
	rr := h.do(http.MethodGet, "/me/permissions", "", cookie, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMetricsEndpointGuarded(t *testing.T) {
	h := newRouterHarness(t)
	rr := h.do(http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	cookie, _ := h.login(t, "1")
	rr = h.do(http.MethodGet, "/metrics", "", cookie, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "odyssey_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	h := newRouterHarness(t)

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/users/5/roles", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", shared.CSRFHeader)
		rr := httptest.NewRecorder()
		h.handler.ServeHTTP(rr, req)
		return rr
	}

	rr := preflight("https://console.example.com")
	assert.Equal(t, "https://console.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	rr = preflight("https://evil.example.com")
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
