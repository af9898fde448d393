package obs

import "strings"

// CanonicalPath collapses per-resource identifiers in known routes so metric
// cardinality stays bounded. Unknown paths are returned as-is (minus query).
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	rest, ok := strings.CutPrefix(path, "/v1/requests/")
	if !ok {
		return path
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "/v1/requests"
		}
		return "/v1/requests/:id"
	case 2:
		switch parts[1] {
		case "approve", "deny", "payments", "extend":
			return "/v1/requests/:id/" + parts[1]
		}
	}
	return path
}
