package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler manages user management endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers user routes. Confirmation links are public; the rest
// needs route access plus the permission of the action.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/confirm-email", h.confirmEmail)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRoute())
		r.With(h.rbac.RequirePermission(shared.PermViewUsers)).Get("/", h.listUsers)
		r.With(h.rbac.RequirePermission(shared.PermCreateUsers)).Post("/", h.createUser)
		r.With(h.rbac.RequirePermission(shared.PermViewUsers)).Get("/{id}", h.showUser)
		r.With(h.rbac.RequirePermission(shared.PermEditUsers)).Put("/{id}", h.updateUser)
		r.With(h.rbac.RequirePermission(shared.PermChangePasswords)).Put("/{id}/password", h.changePassword)
		r.With(h.rbac.RequirePermission(shared.PermDeleteUsers)).Delete("/{id}", h.deleteUser)
	})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{Search: q.Get("q")}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if raw := q.Get("status"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || (n != int(StatusActive) && n != int(StatusInactive)) {
			httpx.FieldProblem(w, map[string]string{"status": messages["oneof"]})
			return
		}
		status := Status(n)
		filters.Status = &status
	}
	users, page, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users, "pagination": page})
}

func (h *Handler) showUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	user, err := h.service.Create(r.Context(), actorOf(r), input)
	if err != nil {
		h.fail(w, "create user", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input UpdateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	user, err := h.service.Update(r.Context(), actorOf(r), id, input)
	if err != nil {
		h.fail(w, "update user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var input PasswordInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.service.ChangePassword(r.Context(), actorOf(r), id, input); err != nil {
		h.fail(w, "change password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), actorOf(r), id); err != nil {
		h.fail(w, "delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmRequest struct {
	Token string `json:"token"`
}

func (h *Handler) confirmEmail(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	user, err := h.service.ConfirmEmail(r.Context(), req.Token)
	if err != nil {
		h.fail(w, "confirm email", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.FieldProblem(w, verr.Fields)
	case errors.Is(err, ErrRejected):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "operation not allowed for this user")
	case errors.Is(err, ErrInvalidToken):
		httpx.FieldProblem(w, map[string]string{"token": "invalid or expired token"})
	case errors.Is(err, shared.ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	default:
		h.logger.Error("users "+op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func actorOf(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrNotFound)
		return 0, false
	}
	return id, true
}
