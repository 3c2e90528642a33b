package cache

import (
	"regexp"
	"strings"
)

// compilePattern turns a key glob into an anchored regexp. Only * is special;
// every other character, including ? and [, matches itself.
func compilePattern(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?s)^` + strings.Join(parts, ".*") + `$`)
}

// MatchPattern reports whether key matches the glob pattern.
func MatchPattern(pattern, key string) bool {
	return compilePattern(pattern).MatchString(key)
}
