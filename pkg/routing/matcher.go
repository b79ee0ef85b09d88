package routing

import "strings"

// Matcher matches dotted message type aliases against a subscription
// pattern:
//   - "orders.created" matches only itself
//   - "orders.*" matches exactly one segment after "orders"
//   - "orders.#" matches one or more segments after "orders", and
//     "orders.#.created" one or more segments between the two
//   - "*" and "#" alone match every alias
type Matcher struct {
	pattern  string
	segments []string
}

func NewMatcher(pattern string) *Matcher {
	return &Matcher{
		pattern:  pattern,
		segments: strings.Split(pattern, "."),
	}
}

func (m *Matcher) Pattern() string {
	return m.pattern
}

func (m *Matcher) Matches(alias string) bool {
	if m.pattern == "*" || m.pattern == "#" {
		return true
	}

	return matchSegments(m.segments, strings.Split(alias, "."))
}

func matchSegments(pattern, alias []string) bool {
	if len(pattern) == 0 {
		return len(alias) == 0
	}

	switch pattern[0] {
	case "#":
		for n := 1; n <= len(alias); n++ {
			if matchSegments(pattern[1:], alias[n:]) {
				return true
			}
		}

		return false
	case "*":
		return len(alias) > 0 && matchSegments(pattern[1:], alias[1:])
	default:
		return len(alias) > 0 && pattern[0] == alias[0] && matchSegments(pattern[1:], alias[1:])
	}
}
