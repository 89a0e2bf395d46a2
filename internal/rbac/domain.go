package rbac

import (
	"errors"
	"time"
)

// ItemType classifies auth items.
type ItemType int16

const (
	TypeRole       ItemType = 1
	TypePermission ItemType = 2
	TypeRoute      ItemType = 3
)

// String implements fmt.Stringer.
func (t ItemType) String() string {
	switch t {
	case TypeRole:
		return "role"
	case TypePermission:
		return "permission"
	case TypeRoute:
		return "route"
	default:
		return "unknown"
	}
}

// Item is a named role, permission or route.
type Item struct {
	Name string
	Type ItemType
}

// Edge links a parent item to one of its children.
type Edge struct {
	Parent string
	Child  Item
}

// Grants is everything reachable from a user's assignments: the directly
// assigned items and the parent/child edges below them.
type Grants struct {
	Assigned []Item
	Edges    []Edge
}

// Assignment ties a role to a user.
type Assignment struct {
	UserID    int64     `json:"user_id"`
	ItemName  string    `json:"item_name"`
	CreatedAt time.Time `json:"created_at"`
}

// AssignResult is the outcome of AssignRole.
type AssignResult int

const (
	AssignFailed AssignResult = iota
	Assigned
	AlreadyAssigned
)

// OK reports whether a new edge was stored.
func (r AssignResult) OK() bool {
	return r == Assigned
}

// String implements fmt.Stringer.
func (r AssignResult) String() string {
	switch r {
	case Assigned:
		return "assigned"
	case AlreadyAssigned:
		return "already_assigned"
	default:
		return "failed"
	}
}

// Principal describes the authenticated actor as loaded from the user store.
type Principal interface {
	GetID() int64
	IsSuperUser() bool
	IsActive() bool
}

var (
	// ErrAssignmentExists is returned by stores on a duplicate (user, item) edge.
	ErrAssignmentExists = errors.New("rbac: assignment exists")
	// ErrUnknownItem indicates the user or item referenced by an edge does not exist.
	ErrUnknownItem = errors.New("rbac: unknown item")
	// ErrInvalidAssignment rejects empty role names and non-positive user ids.
	ErrInvalidAssignment = errors.New("rbac: invalid assignment")
)
