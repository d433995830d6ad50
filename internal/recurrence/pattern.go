package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
)

// Only "Nth of every month" is understood. Variants: optional "the"/"on",
// optional ordinal suffix, "each" for "every", optional "day".
var dayOfMonthPattern = regexp.MustCompile(`(?i)^\s*(?:on\s+)?(?:the\s+)?(\d{1,2})(?:st|nd|rd|th)?\s+(?:day\s+)?of\s+(?:every|each)\s+month\s*$`)

// ParseCustomPattern extracts the day of month from free-text frequency.
func ParseCustomPattern(text string) (int, error) {
	m := dayOfMonthPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("%w %q", ErrUnparseableCustomPattern, text)
	}
	day, err := strconv.Atoi(m[1])
	if err != nil || day < 1 || day > 31 {
		return 0, fmt.Errorf("%w %q: day out of range", ErrUnparseableCustomPattern, text)
	}
	return day, nil
}
