package roles

import (
	"errors"
	"time"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
)

// Item is a catalog entry: a role, a permission or a route.
type Item struct {
	Name        string        `json:"name"`
	Type        rbac.ItemType `json:"type"`
	Description string        `json:"description,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ItemFilters narrows ListItems.
type ItemFilters struct {
	Type rbac.ItemType
}

// CreateItemInput carries the fields of a new item.
type CreateItemInput struct {
	Name        string        `json:"name" validate:"required,max=64"`
	Type        rbac.ItemType `json:"type" validate:"required,oneof=1 2 3"`
	Description string        `json:"description" validate:"max=255"`
}

var (
	// ErrNotFound is returned when an item or edge does not exist.
	ErrNotFound = errors.New("roles: not found")
	// ErrExists is returned when an item or edge already exists.
	ErrExists = errors.New("roles: already exists")
	// ErrInvalidChild rejects edges the item hierarchy does not allow.
	ErrInvalidChild = errors.New("roles: invalid child")
	// ErrCycle rejects edges that would make an item its own descendant.
	ErrCycle = errors.New("roles: cycle detected")
)

// CanHaveChild reports whether an item of type parent may contain an item of
// type child. Roles contain roles and permissions, permissions contain
// permissions and routes, routes are leaves.
func CanHaveChild(parent, child rbac.ItemType) bool {
	switch parent {
	case rbac.TypeRole:
		return child == rbac.TypeRole || child == rbac.TypePermission
	case rbac.TypePermission:
		return child == rbac.TypePermission || child == rbac.TypeRoute
	default:
		return false
	}
}
