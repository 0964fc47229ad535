// Package filter provides StreamFilter implementations that decide which
// discovered streams a consumer group host should subscribe to.
package filter

import "strings"

// SuffixFilter matches streams whose name ends with Suffix. An empty Suffix
// matches every stream.
type SuffixFilter struct {
	Suffix string
}

// NewSuffixFilter builds a SuffixFilter for the given suffix.
func NewSuffixFilter(suffix string) *SuffixFilter {
	return &SuffixFilter{Suffix: suffix}
}

// Matches implements ports.StreamFilter.
func (f *SuffixFilter) Matches(stream string) bool {
	if f.Suffix == "" {
		return true
	}
	return strings.HasSuffix(stream, f.Suffix)
}
