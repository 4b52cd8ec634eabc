package tabs

import (
	"net/url"
	"strings"
)

// DeriveLabel computes the default tab label from a URL: the host for
// root paths, the last path segment otherwise, and the literal string for
// anything that does not parse as a URL. An empty input yields "untitled".
func DeriveLabel(raw string) string {
	if raw == "" {
		return "untitled"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return u.Host
	}
	segments := strings.Split(path, "/")
	return segments[len(segments)-1]
}
