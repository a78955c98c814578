package ratelimit

import (
	"strings"
)

// majorParameters keep their id in the route key; the server scopes buckets
// per value of these parameters.
var majorParameters = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// Route is a normalized route group: method plus path with minor path
// parameters stripped.
type Route struct {
	Method string
	Path   string
	// Major is the major parameter segment ("channels/123") or empty.
	Major string
}

// NewRoute normalizes a method and request path into a route group.
//
// Numeric ids are replaced with ":id" unless they follow a major parameter,
// webhook tokens become ":token" and reaction emoji become ":emoji".
func NewRoute(method, path string) Route {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}

	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.Trim(strings.TrimSpace(path), "/")

	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))
	major := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}

		prev := ""
		if len(out) > 0 {
			prev = out[len(out)-1]
		}

		switch {
		case prev == "reactions":
			out = append(out, ":emoji")
		case isSnowflake(seg) && majorParameters[prev] && major == "":
			major = prev + "/" + seg
			out = append(out, seg)
		case isSnowflake(seg):
			out = append(out, ":id")
		case len(out) == 2 && out[0] == "webhooks" && major != "":
			out = append(out, ":token")
		default:
			out = append(out, seg)
		}
	}

	return Route{
		Method: method,
		Path:   "/" + strings.Join(out, "/"),
		Major:  major,
	}
}

// Key identifies the route group in the ledger.
func (r Route) Key() string {
	return r.Method + " " + r.Path
}

func (r Route) String() string {
	return r.Key()
}

func isSnowflake(seg string) bool {
	if len(seg) < 2 {
		return false
	}
	for _, ch := range seg {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
