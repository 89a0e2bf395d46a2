package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// MaxExportRows caps a single CSV export.
	MaxExportRows = 5000
)

// ErrExportTooLarge is returned when an export would exceed MaxExportRows.
var ErrExportTooLarge = errors.New("audit: export exceeds row limit")

// Repository reads audit records.
type Repository interface {
	Timeline(ctx context.Context, q Query) ([]TimelineRow, error)
}

// Service reads the audit trail written by the user and role services.
type Service struct {
	repo Repository
}

// NewService builds a timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page, newest first. It asks for one extra row to
// decide whether a next page exists.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	q := toQuery(filters)
	q.Offset = (page - 1) * pageSize
	q.Limit = pageSize + 1

	rows, err := s.repo.Timeline(ctx, q)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every matching row up to MaxExportRows.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	q := toQuery(filters)
	q.Limit = MaxExportRows + 1
	rows, err := s.repo.Timeline(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) > MaxExportRows {
		return nil, ErrExportTooLarge
	}
	return rows, nil
}

func toQuery(f TimelineFilters) Query {
	return Query{
		From:     f.From,
		To:       f.To,
		ActorID:  f.ActorID,
		Entity:   strings.TrimSpace(f.Entity),
		EntityID: strings.TrimSpace(f.EntityID),
		Action:   strings.TrimSpace(f.Action),
	}
}
