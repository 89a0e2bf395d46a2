package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
)

// RepositoryPort defines data access methods for the item catalog.
type RepositoryPort interface {
	ListItems(ctx context.Context, filters ItemFilters) ([]Item, error)
	GetItem(ctx context.Context, name string) (Item, error)
	CreateItem(ctx context.Context, item Item) (Item, error)
	DeleteItem(ctx context.Context, name string) error
	Children(ctx context.Context, parent string) ([]Item, error)
	LinkChild(ctx context.Context, parent, child string) error
	RemoveChild(ctx context.Context, parent, child string) error
	ApplyPlan(ctx context.Context, plan Plan) (int, error)
}

// Invalidator drops every cached permission snapshot. *rbac.Authorizer
// satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Service handles item catalog business logic. Every successful mutation
// invalidates cached grants.
type Service struct {
	repo        RepositoryPort
	invalidator Invalidator
	routePrefix string
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, invalidator Invalidator, routePrefix string) *Service {
	return &Service{repo: repo, invalidator: invalidator, routePrefix: routePrefix}
}

// ListItems returns catalog items.
func (s *Service) ListItems(ctx context.Context, filters ItemFilters) ([]Item, error) {
	return s.repo.ListItems(ctx, filters)
}

// GetItem returns an item and its direct children.
func (s *Service) GetItem(ctx context.Context, name string) (Item, []Item, error) {
	item, err := s.repo.GetItem(ctx, name)
	if err != nil {
		return Item{}, nil, err
	}
	children, err := s.repo.Children(ctx, name)
	if err != nil {
		return Item{}, nil, err
	}
	return item, children, nil
}

// CreateItem stores a new item. Route names are normalized first.
func (s *Service) CreateItem(ctx context.Context, input CreateItemInput) (Item, error) {
	item := Item{Name: strings.TrimSpace(input.Name), Type: input.Type, Description: strings.TrimSpace(input.Description)}
	if item.Type == rbac.TypeRoute {
		item.Name = rbac.NormalizeRoute(item.Name, s.routePrefix)
	}
	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return Item{}, err
	}
	return created, s.invalidate(ctx)
}

// DeleteItem removes an item, its edges and its assignments.
func (s *Service) DeleteItem(ctx context.Context, name string) error {
	if err := s.repo.DeleteItem(ctx, name); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// AddChild links child below parent after checking the hierarchy rules and
// that the edge does not close a cycle.
func (s *Service) AddChild(ctx context.Context, parent, child string) error {
	parentItem, err := s.repo.GetItem(ctx, parent)
	if err != nil {
		return err
	}
	childItem, err := s.repo.GetItem(ctx, child)
	if err != nil {
		return err
	}
	if !CanHaveChild(parentItem.Type, childItem.Type) {
		return fmt.Errorf("%w: %s %q cannot contain %s %q", ErrInvalidChild, parentItem.Type, parent, childItem.Type, child)
	}
	if parent == child {
		return ErrCycle
	}
	if err := s.repo.LinkChild(ctx, parent, child); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// RemoveChild unlinks child from parent.
func (s *Service) RemoveChild(ctx context.Context, parent, child string) error {
	if err := s.repo.RemoveChild(ctx, parent, child); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

// ImportPolicy validates and writes a policy document in one transaction.
// It returns the number of items and edges created or changed.
func (s *Service) ImportPolicy(ctx context.Context, policy Policy) (int, error) {
	plan, err := policy.Plan(s.routePrefix)
	if err != nil {
		return 0, err
	}
	written, err := s.repo.ApplyPlan(ctx, plan)
	if err != nil {
		return 0, err
	}
	if written == 0 {
		return 0, nil
	}
	return written, s.invalidate(ctx)
}

func (s *Service) invalidate(ctx context.Context) error {
	if s.invalidator == nil {
		return nil
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		return fmt.Errorf("roles: invalidate permissions: %w", err)
	}
	return nil
}
