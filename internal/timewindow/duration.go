// Package timewindow parses the human time-window expressions accepted by
// the CLI: presets such as "last-1h" and "yesterday", bare durations, ranges
// written "A..B", and "START + DURATION".
package timewindow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"loadiq/internal/types"
)

const day = 24 * time.Hour

var durationPresets = map[string]time.Duration{
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"45m": 45 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"3h":  3 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"1d":  day,
}

var durationTerm = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*(weeks?|w|days?|d|hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)`)

// ParseDuration accepts Go durations ("2h30m"), presets ("1d") and loose
// unit phrases ("1 day", "90 minutes", "1w 2d"). A phrase must consist of
// unit terms only. The result is always positive.
func ParseDuration(s string) (time.Duration, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return 0, invalidDuration(s, "duration cannot be empty")
	}
	if d, ok := durationPresets[strings.ReplaceAll(key, " ", "")]; ok {
		return d, nil
	}
	if d, err := time.ParseDuration(key); err == nil {
		if d <= 0 {
			return 0, invalidDuration(s, "duration must be positive")
		}
		return d, nil
	}

	if rest := durationTerm.ReplaceAllString(key, ""); strings.Trim(rest, " ,") != "" {
		return 0, invalidDuration(s, "try formats like '90m', '2h30m', or '1 day'")
	}
	matches := durationTerm.FindAllStringSubmatch(key, -1)
	total := 0.0
	for _, m := range matches {
		amount, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, invalidDuration(s, err.Error())
		}
		total += amount * unitSeconds(m[2])
	}
	if len(matches) == 0 || total <= 0 {
		return 0, invalidDuration(s, "try formats like '90m', '2h30m', or '1 day'")
	}
	return time.Duration(total * float64(time.Second)), nil
}

func unitSeconds(unit string) float64 {
	switch unit[0] {
	case 'w':
		return 7 * 24 * 3600
	case 'd':
		return 24 * 3600
	case 'h':
		return 3600
	case 'm':
		return 60
	}
	return 1
}

func invalidDuration(s, reason string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeInputInvalidWindow,
		fmt.Sprintf("cannot interpret duration %q: %s", s, reason), nil,
		map[string]any{"duration": s})
}
