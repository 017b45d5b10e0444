package httpapi

import "strings"

// ResourceResolver maps bundled script paths to URLs served by this daemon.
type ResourceResolver struct {
	BaseURL string
}

// ResourceURL implements core.ResourceResolver.
func (r ResourceResolver) ResourceURL(path string) string {
	return strings.TrimRight(r.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
