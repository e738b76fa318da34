package resolver

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// PreviewPrefix is the canonical form every channel target is rewritten to.
const PreviewPrefix = "https://t.me/s/"

// Normalize rewrites a channel reference to its public preview URL. Links that
// already use the preview form are kept as is; anything else keeps only its
// last path segment. It returns false when no channel name can be derived.
func Normalize(raw string) (scan.Target, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if strings.HasPrefix(raw, PreviewPrefix) {
		if strings.TrimPrefix(raw, PreviewPrefix) == "" {
			return "", false
		}
		return scan.Target(raw), true
	}
	name := lastSegment(raw)
	name = strings.TrimPrefix(name, "@")
	if name == "" {
		return "", false
	}
	return scan.Target(PreviewPrefix + name), true
}

func lastSegment(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		path = u.Path
	} else if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}
