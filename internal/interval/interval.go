// Package interval converts human-readable poll interval strings to whole
// seconds and back. Both English and Russian unit tokens are accepted.
package interval

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidFormat indicates the input matched neither a bare number
	// nor the <number><unit> pattern.
	ErrInvalidFormat = errors.New("unrecognized interval format")

	// ErrUnsupportedUnit indicates a unit token outside the recognized set.
	// Unreachable as long as the pattern enumerates the same tokens.
	ErrUnsupportedUnit = errors.New("unsupported time unit")
)

var (
	secondUnits = []string{"s", "sec", "secs", "second", "seconds", "с", "сек", "секунды", "секунда", "секунд"}
	minuteUnits = []string{"m", "min", "mins", "minute", "minutes", "м", "мин", "мины", "минута", "минуты"}
	hourUnits   = []string{"h", "hr", "hrs", "hour", "hours", "ч", "час", "часа", "часов"}
	dayUnits    = []string{"d", "day", "days", "д", "день", "дня", "дней"}
)

var (
	bareNumber  = regexp.MustCompile(`^\d+$`)
	unitPattern = buildUnitPattern()

	secondsPerUnit = buildUnitTable()
)

func buildUnitPattern() *regexp.Regexp {
	var tokens []string
	tokens = append(tokens, secondUnits...)
	tokens = append(tokens, minuteUnits...)
	tokens = append(tokens, hourUnits...)
	tokens = append(tokens, dayUnits...)
	return regexp.MustCompile(`^(\d+)\s*(` + strings.Join(tokens, "|") + `)$`)
}

func buildUnitTable() map[string]int {
	table := make(map[string]int)
	for _, u := range secondUnits {
		table[u] = 1
	}
	for _, u := range minuteUnits {
		table[u] = 60
	}
	for _, u := range hourUnits {
		table[u] = 3600
	}
	for _, u := range dayUnits {
		table[u] = 86400
	}
	return table
}

// ParseSeconds parses strings like "30", "45sec", "2m", "1h" or "2day"
// (plus their Russian equivalents) into a whole number of seconds.
func ParseSeconds(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))

	if bareNumber.MatchString(s) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
		}
		return n, nil
	}

	m := unitPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, raw)
	}

	mult, ok := secondsPerUnit[m[2]]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedUnit, m[2])
	}
	return n * mult, nil
}

// Format renders seconds using the largest unit that divides evenly,
// falling back to a plain seconds suffix. Format(n) always parses back
// to n; the exact input spelling is not preserved ("30sec" formats as "30s").
func Format(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600 && seconds%60 == 0:
		return fmt.Sprintf("%dm", seconds/60)
	case seconds < 86400 && seconds%3600 == 0:
		return fmt.Sprintf("%dh", seconds/3600)
	case seconds%86400 == 0:
		return fmt.Sprintf("%dd", seconds/86400)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
