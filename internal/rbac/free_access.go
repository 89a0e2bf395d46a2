package rbac

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RouteSource lists the routes granted through an item.
type RouteSource interface {
	RoutesUnder(ctx context.Context, item string) ([]string, error)
}

// FreeAccess decides which routes skip access checks for every visitor: a
// static list from configuration plus the routes below the common permission.
// Database lookups are memoized per permission version.
type FreeAccess struct {
	static []string
	common string
	source RouteSource
	cache  *lru.Cache[int64, []string]
}

// NewFreeAccess builds a FreeAccess. Static routes are normalized with prefix.
// A nil source or empty common name disables the database lookup.
func NewFreeAccess(static []string, common string, source RouteSource, prefix string) *FreeAccess {
	normalized := make([]string, 0, len(static))
	for _, route := range static {
		if route == "" {
			continue
		}
		normalized = append(normalized, NormalizeRoute(route, prefix))
	}
	// A handful of versions is enough: older ones are never asked for again.
	cache, _ := lru.New[int64, []string](4)
	return &FreeAccess{static: normalized, common: common, source: source, cache: cache}
}

// Allows reports whether the normalized route is free for everybody at the
// given permission version.
func (f *FreeAccess) Allows(ctx context.Context, route string, version int64) (bool, error) {
	if f == nil {
		return false, nil
	}
	if IsRouteAllowed(route, f.static) {
		return true, nil
	}
	if f.source == nil || f.common == "" {
		return false, nil
	}
	routes, ok := f.cache.Get(version)
	if !ok {
		loaded, err := f.source.RoutesUnder(ctx, f.common)
		if err != nil {
			return false, err
		}
		routes = loaded
		f.cache.Add(version, routes)
	}
	return IsRouteAllowed(route, routes), nil
}
