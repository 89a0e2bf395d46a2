package audithttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
)

const (
	dateLayout       = "2006-01-02"
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
)

// TimelineService is the read side of the audit trail.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler serves audit trail endpoints.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	rbac    rbac.Middleware
	now     func() time.Time
}

// NewHandler builds the audit handler.
func NewHandler(logger *slog.Logger, service TimelineService, mw rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: mw, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, fields := h.parseFilters(r)
	if fields != nil {
		httpx.FieldProblem(w, fields)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.serverError(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, fields := h.parseFilters(r)
	if fields != nil {
		httpx.FieldProblem(w, fields)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		if errors.Is(err, audit.ErrExportTooLarge) {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Export Too Large",
				"narrow the date range or filters, at most "+strconv.Itoa(audit.MaxExportRows)+" rows are exported")
			return
		}
		h.serverError(w, "export audit timeline", err)
		return
	}
	body, err := audit.WriteCSV(rows)
	if err != nil {
		h.serverError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-trail.csv"`)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// parseFilters reads the query string. The to date is inclusive.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, map[string]string) {
	query := r.URL.Query()
	fields := map[string]string{}

	to := h.now().UTC().Truncate(24 * time.Hour)
	if v := strings.TrimSpace(query.Get("to")); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			fields["to"] = "to must be a YYYY-MM-DD date"
		}
		to = parsed
	}
	from := to.Add(-defaultDateRange)
	if v := strings.TrimSpace(query.Get("from")); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			fields["from"] = "from must be a YYYY-MM-DD date"
		}
		from = parsed
	}
	if len(fields) == 0 {
		switch {
		case from.After(to):
			fields["from"] = "from must not be after to"
		case to.Sub(from) > maxDateRange:
			fields["from"] = "the range may span at most 90 days"
		}
	}

	filters := audit.TimelineFilters{
		From:     from,
		To:       to.Add(24 * time.Hour),
		Entity:   query.Get("entity"),
		EntityID: query.Get("entity_id"),
		Action:   query.Get("action"),
	}
	if v := strings.TrimSpace(query.Get("actor_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			fields["actor_id"] = "actor_id must be a positive integer"
		}
		filters.ActorID = id
	}
	if v := strings.TrimSpace(query.Get("page")); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page <= 0 {
			fields["page"] = "page must be a positive integer"
		}
		filters.Page = page
	}
	if v := strings.TrimSpace(query.Get("page_size")); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			fields["page_size"] = "page_size must be a positive integer"
		}
		filters.PageSize = size
	}
	if len(fields) > 0 {
		return audit.TimelineFilters{}, fields
	}
	return filters, nil
}

func (h *Handler) serverError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "")
}
