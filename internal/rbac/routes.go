package rbac

import "strings"

// NormalizeRoute turns a request path or route reference into the canonical
// form stored in auth_item: a leading slash, no trailing slash, no query
// string or fragment, and the application mount prefix removed.
func NormalizeRoute(raw, prefix string) string {
	route := strings.TrimSpace(raw)
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = "/" + strings.TrimLeft(route, "/")
	if p := strings.Trim(prefix, "/"); p != "" {
		p = "/" + p
		if route == p || strings.HasPrefix(route, p+"/") {
			route = "/" + strings.TrimLeft(strings.TrimPrefix(route, p), "/")
		}
	}
	if route != "/" {
		route = strings.TrimRight(route, "/")
		if route == "" {
			route = "/"
		}
	}
	return route
}

// IsRouteAllowed reports whether route is covered by the allow-list. Entries
// match exactly, or as wildcards: "/users/*" covers "/users" and every route
// below it, "/*" covers everything.
func IsRouteAllowed(route string, allowed []string) bool {
	for _, entry := range allowed {
		if entry == route {
			return true
		}
		if !strings.HasSuffix(entry, "/*") {
			continue
		}
		base := strings.TrimSuffix(entry, "*")
		if strings.HasPrefix(route, base) || route == strings.TrimSuffix(base, "/") {
			return true
		}
	}
	return false
}
