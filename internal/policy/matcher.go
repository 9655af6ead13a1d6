package policy

import (
	"github.com/gobwas/glob"
)

// compilePattern returns nil for an empty pattern, which matches anything.
func compilePattern(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, nil
	}
	return glob.Compile(pattern)
}

func matchPattern(g glob.Glob, value string) bool {
	return g == nil || g.Match(value)
}

func matchAnyKey(g glob.Glob, keys []string) bool {
	if g == nil {
		return true
	}
	for _, k := range keys {
		if g.Match(k) {
			return true
		}
	}
	return false
}
