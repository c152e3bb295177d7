// internal/urlmatch/urlmatch.go
package urlmatch

import (
	"net/url"
	"path"
	"strings"
)

// Matches reports whether a page URL falls under a domain pattern.
//
// A pattern is a shell glob over the host, optionally prefixed with a scheme
// glob: "example.com", "*.example.com", "https://example.com",
// "http*://*.bank.com". No regex. An empty pattern matches nothing; the bare
// pattern "*" matches every valid URL.
func Matches(pattern, rawURL string) bool {
	if pattern == "" || rawURL == "" {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()

	schemeGlob := ""
	hostGlob := pattern
	if i := strings.Index(pattern, "://"); i >= 0 {
		schemeGlob = pattern[:i]
		hostGlob = pattern[i+3:]
	}

	if schemeGlob != "" {
		if ok, err := path.Match(schemeGlob, u.Scheme); err != nil || !ok {
			return false
		}
	}

	ok, err := path.Match(hostGlob, host)
	return err == nil && ok
}

// MatchesAny reports whether any of the patterns matches the URL. An empty
// pattern list means no restriction and always matches.
func MatchesAny(patterns []string, rawURL string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if Matches(p, rawURL) {
			return true
		}
	}
	return false
}
