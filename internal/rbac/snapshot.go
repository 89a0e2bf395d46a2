package rbac

import (
	"encoding/json"
	"sort"
	"time"
)

// SnapshotSessionKey is the session value holding the encoded snapshot.
const SnapshotSessionKey = "rbac.snapshot"

// SessionStore is the per-session key/value store the snapshot lives in.
// *shared.Session satisfies it.
type SessionStore interface {
	Get(key string) string
	Set(key, value string)
}

// Snapshot is the materialized view of a user's grants. All slices are sorted
// and free of duplicates.
type Snapshot struct {
	Version           int64     `json:"version"`
	UserID            int64     `json:"user_id"`
	Roles             []string  `json:"roles"`
	RolesWithChildren []string  `json:"roles_with_children"`
	Permissions       []string  `json:"permissions"`
	Routes            []string  `json:"routes"`
	BuiltAt           time.Time `json:"built_at"`
}

// BuildSnapshot resolves grants into a snapshot. It is a pure function of its
// inputs, so concurrent rebuilds for the same version always agree.
func BuildSnapshot(userID, version int64, grants Grants, builtAt time.Time) Snapshot {
	children := make(map[string][]Item, len(grants.Edges))
	for _, edge := range grants.Edges {
		children[edge.Parent] = append(children[edge.Parent], edge.Child)
	}

	roles := make(map[string]struct{})
	withChildren := make(map[string]struct{})
	permissions := make(map[string]struct{})
	routes := make(map[string]struct{})

	visited := make(map[string]struct{})
	queue := make([]Item, 0, len(grants.Assigned))
	for _, item := range grants.Assigned {
		if item.Type == TypeRole {
			roles[item.Name] = struct{}{}
		}
		queue = append(queue, item)
	}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if _, seen := visited[item.Name]; seen {
			continue
		}
		visited[item.Name] = struct{}{}
		switch item.Type {
		case TypeRole:
			withChildren[item.Name] = struct{}{}
		case TypePermission:
			permissions[item.Name] = struct{}{}
		case TypeRoute:
			routes[item.Name] = struct{}{}
		}
		queue = append(queue, children[item.Name]...)
	}

	return Snapshot{
		Version:           version,
		UserID:            userID,
		Roles:             sortedKeys(roles),
		RolesWithChildren: sortedKeys(withChildren),
		Permissions:       sortedKeys(permissions),
		Routes:            sortedKeys(routes),
		BuiltAt:           builtAt.UTC(),
	}
}

// HasAnyRole reports whether any of roles is held, optionally including
// roles inherited through child edges.
func (s Snapshot) HasAnyRole(roles []string, includeChildren bool) bool {
	held := s.Roles
	if includeChildren {
		held = s.RolesWithChildren
	}
	for _, role := range roles {
		if containsSorted(held, role) {
			return true
		}
	}
	return false
}

// HasPermission reports permission membership.
func (s Snapshot) HasPermission(permission string) bool {
	return containsSorted(s.Permissions, permission)
}

// AllowsRoute reports whether a normalized route is reachable.
func (s Snapshot) AllowsRoute(route string) bool {
	if containsSorted(s.Routes, route) {
		return true
	}
	return IsRouteAllowed(route, s.Routes)
}

func loadSnapshot(sess SessionStore) (Snapshot, bool) {
	if sess == nil {
		return Snapshot{}, false
	}
	raw := sess.Get(SnapshotSessionKey)
	if raw == "" {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func storeSnapshot(sess SessionStore, snap Snapshot) error {
	if sess == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	sess.Set(SnapshotSessionKey, string(data))
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsSorted(values []string, target string) bool {
	i := sort.SearchStrings(values, target)
	return i < len(values) && values[i] == target
}
