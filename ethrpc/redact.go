package ethrpc

import (
	"net/url"
	"strings"
)

// path segments at least this long consisting only of token characters are
// assumed to be embedded API keys
const tokenMinLen = 16

// RedactURL strips credentials, query strings and anything that looks like an
// embedded API token from an endpoint URL so it is safe to log.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""

	segments := strings.Split(u.Path, "/")
	for i, seg := range segments {
		if looksLikeToken(seg) {
			segments[i] = "***"
		}
	}
	u.Path = strings.Join(segments, "/")
	// keep the asterisks literal, String() would percent-encode them
	u.RawPath = u.Path
	return u.String()
}

func looksLikeToken(seg string) bool {
	if len(seg) < tokenMinLen {
		return false
	}
	for _, r := range seg {
		isTokenChar := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_'
		if !isTokenChar {
			return false
		}
	}
	return true
}
