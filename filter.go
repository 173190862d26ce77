package carbonrelay

import (
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultExcludePattern is an anchored pattern that no metric name can match, so nothing is
// excluded unless a pattern is configured.
const DefaultExcludePattern = "$^"

// matchTimeout bounds a single evaluation of the exclude pattern against a metric name.
const matchTimeout = 50 * time.Millisecond

// NameFilter decides whether a metric name is excluded from forwarding. The pattern must match
// the whole name, not a substring of it.
type NameFilter struct {
	pattern string
	re      *regexp2.Regexp
}

// NewNameFilter compiles the exclude pattern. An empty pattern is replaced by
// DefaultExcludePattern.
func NewNameFilter(pattern string) (*NameFilter, error) {
	if pattern == "" {
		pattern = DefaultExcludePattern
	}
	re, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	return &NameFilter{pattern: pattern, re: re}, nil
}

// Pattern returns the exclude pattern as configured.
func (f *NameFilter) Pattern() string {
	return f.pattern
}

// Match reports whether name fully matches the exclude pattern. The error is non-nil only when
// the evaluation timed out.
func (f *NameFilter) Match(name string) (bool, error) {
	return f.re.MatchString(name)
}

// Excludes reports whether name must not be forwarded. A pattern evaluation that times out
// does not exclude the name.
func (f *NameFilter) Excludes(name string) bool {
	matched, err := f.Match(name)
	if err != nil {
		return false
	}
	return matched
}

// ShouldExclude reports whether name fully matches pattern. An invalid pattern excludes nothing.
func ShouldExclude(name, pattern string) bool {
	f, err := NewNameFilter(pattern)
	if err != nil {
		return false
	}
	return f.Excludes(name)
}
