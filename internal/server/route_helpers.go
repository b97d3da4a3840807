package server

import (
	"net/http"
	"strings"
)

// RouteHandler is the signature shared by every route function.
type RouteHandler func(http.ResponseWriter, *http.Request)

// RouteResourceCollection dispatches a collection endpoint: GET lists,
// POST creates, anything else is rejected.
func RouteResourceCollection(w http.ResponseWriter, r *http.Request, list, create RouteHandler) {
	switch r.Method {
	case http.MethodGet:
		list(w, r)
	case http.MethodPost:
		create(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// RouteResourceItem dispatches a single-resource endpoint: GET reads,
// DELETE removes. Jobs have no update verb; control transitions go through
// the action sub-routes instead.
func RouteResourceItem(w http.ResponseWriter, r *http.Request, get, remove RouteHandler) {
	switch r.Method {
	case http.MethodGet:
		get(w, r)
	case http.MethodDelete:
		remove(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// PathSuffixRouter binds a trailing action segment to its handler.
type PathSuffixRouter struct {
	Suffix  string
	Handler RouteHandler
}

// RouteByPathSuffix matches the request path beyond prefix against each
// route's suffix and dispatches the first hit. Returns false when nothing
// matched so the caller can fall through to the bare-ID routes.
func RouteByPathSuffix(w http.ResponseWriter, r *http.Request, prefix string, routes []PathSuffixRouter) bool {
	path := r.URL.Path
	if len(path) <= len(prefix) {
		return false
	}

	rest := path[len(prefix):]
	for _, route := range routes {
		if rest == route.Suffix || strings.HasSuffix(rest, route.Suffix) {
			route.Handler(w, r)
			return true
		}
	}
	return false
}
