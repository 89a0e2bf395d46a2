package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// PrincipalLookup loads the stored identity behind a session user id.
type PrincipalLookup interface {
	LookupPrincipal(ctx context.Context, userID int64) (Principal, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Authorizer *Authorizer
	Principals PrincipalLookup
	Logger     *slog.Logger
}

// SessionOf adapts a possibly nil session to SessionStore.
func SessionOf(sess *shared.Session) SessionStore {
	if sess == nil {
		return nil
	}
	return sess
}

// ResolveActor loads the acting user for the request and stores it in the
// context. Sessions pointing at deleted or inactive users are logged out.
func (m Middleware) ResolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := shared.Actor{IP: clientIP(r)}
		sess := shared.SessionFromContext(r.Context())
		if userID, ok := m.sessionUserID(sess); ok {
			principal, err := m.Principals.LookupPrincipal(r.Context(), userID)
			switch {
			case err == nil && principal != nil && principal.IsActive():
				actor.UserID = principal.GetID()
				actor.Superadmin = principal.IsSuperUser()
			case err == nil || errors.Is(err, shared.ErrNotFound):
				sess.SetUser("")
			default:
				m.logger().Error("rbac resolve actor", slog.Int64("user_id", userID), slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireRoute guards a handler with CanRoute on the request path.
func (m Middleware) RequireRoute() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, sess := m.subject(r)
			if m.Authorizer.CanRoute(r.Context(), actor, sess, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			deny(w, actor)
		})
	}
}

// RequirePermission ensures the actor holds at least one of perms.
func (m Middleware) RequirePermission(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, sess := m.subject(r)
			for _, perm := range perms {
				if m.Authorizer.HasPermission(r.Context(), actor, sess, perm) {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w, actor)
		})
	}
}

// RequireRole ensures the actor holds one of roles, inherited roles included.
func (m Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, sess := m.subject(r)
			if m.Authorizer.HasRole(r.Context(), actor, sess, roles, IncludeChildRoles()) {
				next.ServeHTTP(w, r)
				return
			}
			deny(w, actor)
		})
	}
}

func (m Middleware) subject(r *http.Request) (shared.Actor, SessionStore) {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor, SessionOf(shared.SessionFromContext(r.Context()))
}

func (m Middleware) sessionUserID(sess *shared.Session) (int64, bool) {
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		m.logger().Error("rbac parse user id", slog.String("value", raw))
		return 0, false
	}
	return id, true
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func deny(w http.ResponseWriter, actor shared.Actor) {
	if !actor.Authenticated() {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	httpx.RespondError(w, httpx.ErrForbidden)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
