// internal/agent/memory/secrets.go
package memory

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xkilldash9x/voyager-cli/internal/urlmatch"
)

// placeholderRegex finds `<secret>key</secret>` tokens in text produced by
// the model.
var placeholderRegex = regexp.MustCompile(`<secret>([^<>]+)</secret>`)

// SecretStore holds sensitive values under placeholder keys, each scoped to a
// domain pattern. The model only ever sees the keys; the literal values are
// injected just before an action reaches the browser, and only on pages the
// scope allows. The store is immutable after construction.
type SecretStore struct {
	// scopes maps a domain pattern to its key/value pairs.
	scopes map[string]map[string]string
}

// NewSecretStore builds a store from the configured domain -> key -> value
// map. A nil or empty map yields an empty store.
func NewSecretStore(data map[string]map[string]string) *SecretStore {
	scopes := make(map[string]map[string]string, len(data))
	for pattern, kv := range data {
		if len(kv) == 0 {
			continue
		}
		entry := make(map[string]string, len(kv))
		for k, v := range kv {
			if k == "" || v == "" {
				continue
			}
			entry[k] = v
		}
		if len(entry) > 0 {
			scopes[pattern] = entry
		}
	}
	return &SecretStore{scopes: scopes}
}

// Empty reports whether the store holds no secrets at all.
func (s *SecretStore) Empty() bool {
	return s == nil || len(s.scopes) == 0
}

// PlaceholderKeys returns every placeholder key across all scopes, sorted and
// deduplicated. Used to tell the model which placeholders exist.
func (s *SecretStore) PlaceholderKeys() []string {
	if s.Empty() {
		return nil
	}
	seen := make(map[string]struct{})
	for _, kv := range s.scopes {
		for k := range kv {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Placeholder renders the opaque token the model uses to reference a key.
func Placeholder(key string) string {
	return fmt.Sprintf("<secret>%s</secret>", key)
}

// MaskValues replaces any literal secret value in the text with its
// placeholder token. Masking deliberately ignores domain scope: a value must
// never appear in a message to the model no matter which page it leaked from.
func (s *SecretStore) MaskValues(text string) string {
	if s.Empty() || text == "" {
		return text
	}

	type pair struct{ value, key string }
	var pairs []pair
	for _, kv := range s.scopes {
		for k, v := range kv {
			pairs = append(pairs, pair{value: v, key: k})
		}
	}
	// Longest value first so one secret embedded in another is not clobbered
	// by a partial replacement.
	sort.Slice(pairs, func(i, j int) bool {
		if len(pairs[i].value) != len(pairs[j].value) {
			return len(pairs[i].value) > len(pairs[j].value)
		}
		return pairs[i].key < pairs[j].key
	})

	for _, p := range pairs {
		text = strings.ReplaceAll(text, p.value, Placeholder(p.key))
	}
	return text
}

// Resolve substitutes placeholder tokens with their literal values, honoring
// domain scope: a key only resolves when its scope pattern matches pageURL.
// Placeholders that cannot be resolved are left in place and reported in
// missing, so the caller can surface them instead of silently sending a
// literal `<secret>...</secret>` tag to the page.
func (s *SecretStore) Resolve(text, pageURL string) (resolved string, missing []string) {
	if text == "" || !strings.Contains(text, "<secret>") {
		return text, nil
	}

	seenMissing := make(map[string]struct{})
	resolved = placeholderRegex.ReplaceAllStringFunc(text, func(token string) string {
		key := placeholderRegex.FindStringSubmatch(token)[1]
		if v, ok := s.lookup(key, pageURL); ok {
			return v
		}
		if _, dup := seenMissing[key]; !dup {
			seenMissing[key] = struct{}{}
			missing = append(missing, key)
		}
		return token
	})
	sort.Strings(missing)
	return resolved, missing
}

// lookup finds the value for a key among the scopes matching pageURL.
// Patterns are scanned in sorted order so overlapping scopes resolve
// deterministically.
func (s *SecretStore) lookup(key, pageURL string) (string, bool) {
	if s.Empty() {
		return "", false
	}
	patterns := make([]string, 0, len(s.scopes))
	for p := range s.scopes {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		if !urlmatch.Matches(p, pageURL) {
			continue
		}
		if v, ok := s.scopes[p][key]; ok {
			return v, true
		}
	}
	return "", false
}
