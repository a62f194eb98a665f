package cache

import (
	"fmt"
	"path"
	"strings"
)

// BypassRules decides whether responses for a given logical model should
// skip the cache entirely. Rules come from configuration as a single list;
// an entry containing glob metacharacters ('*', '?', '[') is matched as a
// glob, anything else as an exact model name.
//
// A nil *BypassRules is safe to call — Matches always returns false.
type BypassRules struct {
	exact map[string]struct{}
	globs []string
}

// NewBypassRules compiles the given model rules into a BypassRules.
// Returns an error if any glob fails to parse so that misconfiguration is
// caught at startup.
func NewBypassRules(models []string) (*BypassRules, error) {
	r := &BypassRules{
		exact: make(map[string]struct{}, len(models)),
	}

	for _, m := range models {
		if m == "" {
			continue
		}
		if !strings.ContainsAny(m, "*?[") {
			r.exact[m] = struct{}{}
			continue
		}
		if _, err := path.Match(m, ""); err != nil {
			return nil, fmt.Errorf("cache bypass: invalid pattern %q: %w", m, err)
		}
		r.globs = append(r.globs, m)
	}

	return r, nil
}

// Matches reports whether the given model name bypasses the cache.
// Exact rules are checked first (O(1)), then globs in order.
func (r *BypassRules) Matches(model string) bool {
	if r == nil {
		return false
	}
	if _, ok := r.exact[model]; ok {
		return true
	}
	for _, g := range r.globs {
		if ok, _ := path.Match(g, model); ok {
			return true
		}
	}
	return false
}

// Len returns the total number of bypass rules configured.
func (r *BypassRules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.exact) + len(r.globs)
}
