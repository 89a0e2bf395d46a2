package roles

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// Handler manages item catalog endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	audit     shared.AuditRecorder
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, audit shared.AuditRecorder, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	return &Handler{logger: logger, service: service, audit: audit, rbac: rbac, validator: shared.NewValidator()}
}

// MountRoutes registers catalog routes, guarded by route access. Reads need
// viewRoles and writes need manageRoles.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireRoute())
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequirePermission(shared.PermViewRoles, shared.PermManageRoles))
			r.Get("/", h.listItems)
			r.Get("/{name}", h.showItem)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequirePermission(shared.PermManageRoles))
			r.Post("/", h.createItem)
			r.Delete("/{name}", h.deleteItem)
			r.Post("/{name}/children", h.addChild)
			r.Delete("/{name}/children/{child}", h.removeChild)
		})
	})
}

type childRequest struct {
	Child string `json:"child" validate:"required,max=64"`
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	var filters ItemFilters
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := strconv.Atoi(raw)
		if err != nil || t < int(rbac.TypeRole) || t > int(rbac.TypeRoute) {
			httpx.FieldProblem(w, map[string]string{"type": "type must be 1, 2 or 3"})
			return
		}
		filters.Type = rbac.ItemType(t)
	}
	items, err := h.service.ListItems(r.Context(), filters)
	if err != nil {
		h.fail(w, "list items", err)
		return
	}
	if items == nil {
		items = []Item{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) showItem(w http.ResponseWriter, r *http.Request) {
	item, children, err := h.service.GetItem(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, "get item", err)
		return
	}
	if children == nil {
		children = []Item{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"item": item, "children": children})
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var input CreateItemInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.FieldProblem(w, fieldErrors(err))
		return
	}
	item, err := h.service.CreateItem(r.Context(), input)
	if err != nil {
		h.fail(w, "create item", err)
		return
	}
	h.record(r, item.Name, map[string]any{"op": "create", "type": item.Type.String()})
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.service.DeleteItem(r.Context(), name); err != nil {
		h.fail(w, "delete item", err)
		return
	}
	h.record(r, name, map[string]any{"op": "delete"})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addChild(w http.ResponseWriter, r *http.Request) {
	var req childRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.FieldProblem(w, map[string]string{"child": "child is required"})
		return
	}
	parent := chi.URLParam(r, "name")
	if err := h.service.AddChild(r.Context(), parent, req.Child); err != nil {
		h.fail(w, "add child", err)
		return
	}
	h.record(r, parent, map[string]any{"op": "add_child", "child": req.Child})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeChild(w http.ResponseWriter, r *http.Request) {
	parent, child := chi.URLParam(r, "name"), chi.URLParam(r, "child")
	if err := h.service.RemoveChild(r.Context(), parent, child); err != nil {
		h.fail(w, "remove child", err)
		return
	}
	h.record(r, parent, map[string]any{"op": "remove_child", "child": child})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.RespondError(w, httpx.ErrNotFound)
	case errors.Is(err, ErrExists):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "item already exists")
	case errors.Is(err, ErrInvalidChild), errors.Is(err, ErrCycle):
		httpx.FieldProblem(w, map[string]string{"child": err.Error()})
	default:
		h.logger.Error("roles "+op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) record(r *http.Request, name string, meta map[string]any) {
	actor, _ := shared.ActorFromContext(r.Context())
	err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   shared.AuditItemChanged,
		Entity:   "auth_item",
		EntityID: name,
		Meta:     meta,
	})
	if err != nil {
		h.logger.Warn("roles audit", slog.Any("error", err))
	}
}

func fieldErrors(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}
	return fields
}
