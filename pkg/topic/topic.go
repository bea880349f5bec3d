// Package topic implements the hierarchical topic rules shared by every bus
// transport: "/" separated segments, the single-level wildcard "+" and the
// multi-level wildcard "#".
//
// Patterns support:
//   - Exact match: "sbrick/01/sp/drive" matches only itself
//   - Single-level wildcard (+): "sbrick/+/sp/drive" matches "sbrick/01/sp/drive"
//   - Multi-level wildcard (#): "sbrick/01/rr/#" matches "sbrick/01/rr",
//     "sbrick/01/rr/get_adc" and "sbrick/01/rr/get_adc/54321"
package topic

import (
	"strings"

	"github.com/billm/m2mipc/pkg/types"
)

const (
	// Separator separates topic segments
	Separator = "/"
	// SingleLevel matches exactly one segment
	SingleLevel = "+"
	// MultiLevel matches the parent level and any number of segments below it
	MultiLevel = "#"
)

// Matcher provides pattern matching for a pre-split pattern.
type Matcher struct {
	pattern  string
	segments []string
}

// NewMatcher creates a new topic matcher for the given pattern.
func NewMatcher(pattern string) *Matcher {
	return &Matcher{
		pattern:  pattern,
		segments: strings.Split(pattern, Separator),
	}
}

// Pattern returns the pattern the matcher was built from.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Matches returns true if the topic matches the pattern.
func (m *Matcher) Matches(topic string) bool {
	return matchSegments(m.segments, strings.Split(topic, Separator))
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, Separator), strings.Split(topic, Separator))
}

func matchSegments(pattern, topic []string) bool {
	pi, ti := 0, 0

	for pi < len(pattern) && ti < len(topic) {
		switch pattern[pi] {
		case MultiLevel:
			return true
		case SingleLevel:
			pi++
			ti++
		default:
			if pattern[pi] != topic[ti] {
				return false
			}
			pi++
			ti++
		}
	}

	if pi == len(pattern) && ti == len(topic) {
		return true
	}

	// "a/#" also matches "a"
	return pi == len(pattern)-1 && ti == len(topic) && pattern[pi] == MultiLevel
}

// ValidateTopic checks that a topic can be published to: non-empty and free of wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "topic cannot be empty")
	}
	if strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return types.NewError(types.ErrCodeInvalidArgument, "topic cannot contain wildcards: "+topic)
	}
	return nil
}

// ValidatePattern checks that a subscription pattern is well formed.
// Wildcards must occupy a whole segment and "#" may only be the last one.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "topic pattern cannot be empty")
	}

	segments := strings.Split(pattern, Separator)
	for i, seg := range segments {
		switch {
		case seg == MultiLevel:
			if i != len(segments)-1 {
				return types.NewError(types.ErrCodeInvalidArgument, "multi-level wildcard must be the last segment: "+pattern)
			}
		case seg == SingleLevel:
		case strings.ContainsAny(seg, SingleLevel+MultiLevel):
			return types.NewError(types.ErrCodeInvalidArgument, "wildcard must occupy a whole segment: "+pattern)
		}
	}
	return nil
}

// IsPattern returns true if the string contains a wildcard segment
func IsPattern(s string) bool {
	for _, seg := range Split(s) {
		if seg == SingleLevel || seg == MultiLevel {
			return true
		}
	}
	return false
}

// WithMultiLevel extends a base topic with the multi-level wildcard.
func WithMultiLevel(base string) string {
	return Join(strings.TrimSuffix(base, Separator), MultiLevel)
}

// Split splits a topic string into its segments.
func Split(topic string) []string {
	if topic == "" {
		return nil
	}
	return strings.Split(topic, Separator)
}

// Join joins topic segments into a topic string.
func Join(segments ...string) string {
	return strings.Join(segments, Separator)
}
