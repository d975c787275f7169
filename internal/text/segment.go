package text

import "strings"

const (
	sentenceDelimiter = ". "
	ellipsis          = "..."
)

// Segment splits s into units on the literal delimiter ". ". A delimiter whose period
// closes an ellipsis keeps the ellipsis on the unit. With stripTrailingPeriod set,
// a unit ending in a single period loses it; ellipses are left untouched.
//
// Empty input yields a single empty unit.
func Segment(s string, stripTrailingPeriod bool) []string {
	var units []string
	start := 0
	for {
		idx := strings.Index(s[start:], sentenceDelimiter)
		if idx < 0 {
			break
		}
		end := start + idx
		unit := s[start:end]
		if periodRun(s, end) >= len(ellipsis) {
			unit = s[start : end+1]
		}
		units = append(units, unit)
		start = end + len(sentenceDelimiter)
	}
	units = append(units, s[start:])

	if stripTrailingPeriod {
		for i, unit := range units {
			units[i] = trimPeriod(unit)
		}
	}
	return units
}

// periodRun counts consecutive periods ending at index i (inclusive).
func periodRun(s string, i int) int {
	n := 0
	for ; i >= 0 && s[i] == '.'; i-- {
		n++
	}
	return n
}

func trimPeriod(unit string) string {
	if strings.HasSuffix(unit, ".") && !strings.HasSuffix(unit, ellipsis) {
		return unit[:len(unit)-1]
	}
	return unit
}
