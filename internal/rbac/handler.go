package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler exposes role assignment endpoints and the caller's own grants.
type Handler struct {
	logger     *slog.Logger
	authorizer *Authorizer
	audit      shared.AuditRecorder
	rbac       Middleware
	validator  *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, authorizer *Authorizer, audit shared.AuditRecorder, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	return &Handler{logger: logger, authorizer: authorizer, audit: audit, rbac: rbac, validator: shared.NewValidator()}
}

// MountAssignmentRoutes registers /users/{id}/roles routes on the users router.
func (h *Handler) MountAssignmentRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRoute())
		r.With(h.rbac.RequirePermission(shared.PermViewUsers)).Get("/{id}/roles", h.listAssignments)
		r.With(h.rbac.RequirePermission(shared.PermAssignRoles)).Post("/{id}/roles", h.assignRole)
		r.With(h.rbac.RequirePermission(shared.PermAssignRoles)).Delete("/{id}/roles/{role}", h.revokeRole)
	})
}

// MountSelfRoutes registers /me routes; any logged in user may read their grants.
func (h *Handler) MountSelfRoutes(r chi.Router) {
	r.Get("/permissions", h.myPermissions)
}

type assignRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

type snapshotResponse struct {
	Superadmin bool `json:"superadmin"`
	Snapshot
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	actor, sess := h.rbac.subject(r)
	if !actor.Authenticated() {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	snap, err := h.authorizer.Snapshot(r.Context(), actor, sess)
	if err != nil {
		h.logger.Error("rbac snapshot", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snapshotResponse{Superadmin: actor.Superadmin, Snapshot: snap})
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	assignments, err := h.authorizer.Assignments(r.Context(), userID)
	if err != nil {
		h.logger.Error("rbac list assignments", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if assignments == nil {
		assignments = []Assignment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.FieldProblem(w, map[string]string{"role": "role is required"})
		return
	}

	result, err := h.authorizer.AssignRole(r.Context(), userID, req.Role)
	switch result {
	case Assigned:
		h.record(r, shared.AuditRoleAssigned, userID, req.Role)
		httpx.JSON(w, http.StatusCreated, map[string]string{"result": result.String()})
	case AlreadyAssigned:
		httpx.Problem(w, http.StatusConflict, "Duplicate", "role already assigned")
	default:
		if errors.Is(err, ErrUnknownItem) || errors.Is(err, ErrInvalidAssignment) {
			httpx.FieldProblem(w, map[string]string{"role": "unknown user or role"})
			return
		}
		h.logger.Error("rbac assign role", slog.Int64("user_id", userID), slog.String("role", req.Role), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	role := chi.URLParam(r, "role")
	removed, err := h.authorizer.RevokeRole(r.Context(), userID, role)
	if err != nil {
		h.logger.Error("rbac revoke role", slog.Int64("user_id", userID), slog.String("role", role), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if !removed {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	h.record(r, shared.AuditRoleRevoked, userID, role)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) record(r *http.Request, action string, userID int64, role string) {
	actor, _ := shared.ActorFromContext(r.Context())
	err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     map[string]any{"role": role},
	})
	if err != nil {
		h.logger.Warn("rbac audit", slog.String("action", action), slog.Any("error", err))
	}
}

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.ErrNotFound)
		return 0, false
	}
	return id, true
}
