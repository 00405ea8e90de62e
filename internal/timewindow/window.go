package timewindow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"loadiq/internal/types"
)

// SyntaxHelp describes the accepted expressions.
const SyntaxHelp = "Use quick expressions like 'last-1h', 'yesterday', '6h', '2024-02-01..2024-02-02', or '-6h..-3h'. " +
	"You can also write '2024-02-01 08:00 + 2h' to start at a point and extend by a duration."

// Window is a half-open [Start, End) range in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Parser resolves expressions against a reference time.
type Parser struct {
	// Now is the reference instant.
	Now time.Time
	// Location anchors "today", "yesterday" and timestamps written without
	// an offset. Nil means UTC.
	Location *time.Location
	// Default is the window length for empty, "default" and "auto".
	Default time.Duration
}

var lookbackPresets = map[string]time.Duration{
	"last-15m": 15 * time.Minute,
	"last-30m": 30 * time.Minute,
	"last-1h":  time.Hour,
	"last-3h":  3 * time.Hour,
	"last-6h":  6 * time.Hour,
	"last-12h": 12 * time.Hour,
	"last-24h": 24 * time.Hour,
}

var plusExpr = regexp.MustCompile(`^(.+?)\s+\+\s*(.+)$`)

// Parse resolves expr into a window. Unknown expressions fail with an
// input_invalid_window error whose details carry close-match suggestions.
func (p Parser) Parse(expr string) (Window, error) {
	now := p.Now.UTC()
	text := strings.TrimSpace(expr)
	lowered := strings.ToLower(text)

	var w Window
	switch {
	case lowered == "" || lowered == "default" || lowered == "auto":
		w = Window{Start: now.Add(-p.Default), End: now}

	case lookbackPresets[lowered] > 0:
		w = Window{Start: now.Add(-lookbackPresets[lowered]), End: now}

	case lowered == "today":
		w = Window{Start: p.midnight(now, 0), End: now}

	case lowered == "yesterday":
		w = Window{Start: p.midnight(now, -1), End: p.midnight(now, 0)}

	case strings.HasPrefix(lowered, "last-"):
		d, err := ParseDuration(strings.TrimPrefix(lowered, "last-"))
		if err != nil {
			return Window{}, err
		}
		w = Window{Start: now.Add(-d), End: now}

	default:
		parsed, ok, err := p.parseCompound(text, now)
		if err != nil {
			return Window{}, err
		}
		if !ok {
			return Window{}, unknownExpression(expr)
		}
		w = parsed
	}

	if !w.End.After(w.Start) {
		return Window{}, types.NewAppErrorWithDetails(types.ErrCodeInputInvalidWindow,
			"start time must be before end time", nil,
			map[string]any{"expression": expr, "start": w.Start, "end": w.End})
	}
	return w, nil
}

// parseCompound handles bare durations, "A..B" and "START + DURATION".
func (p Parser) parseCompound(text string, now time.Time) (Window, bool, error) {
	if d, err := ParseDuration(text); err == nil {
		return Window{Start: now.Add(-d), End: now}, true, nil
	}

	if left, right, found := strings.Cut(text, ".."); found {
		left, right = strings.TrimSpace(left), strings.TrimSpace(right)
		end := now
		if right != "" {
			t, err := p.Timestamp(right, now)
			if err != nil {
				return Window{}, false, err
			}
			end = t
		}
		start := end.Add(-p.Default)
		if left != "" {
			// Relative starts are taken from the end of the range.
			t, err := p.Timestamp(left, end)
			if err != nil {
				return Window{}, false, err
			}
			start = t
		}
		return Window{Start: start, End: end}, true, nil
	}

	if m := plusExpr.FindStringSubmatch(text); m != nil {
		start, err := p.Timestamp(strings.TrimSpace(m[1]), now)
		if err != nil {
			return Window{}, false, err
		}
		d, err := ParseDuration(m[2])
		if err != nil {
			return Window{}, false, err
		}
		return Window{Start: start, End: start.Add(d)}, true, nil
	}
	return Window{}, false, nil
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Timestamp resolves a friendly timestamp: "now", "today", "yesterday",
// "-6h" and "+30m" relative to ref, or an ISO 8601 time. The result is UTC.
func (p Parser) Timestamp(s string, ref time.Time) (time.Time, error) {
	text := strings.TrimSpace(s)
	lowered := strings.ToLower(text)
	switch {
	case text == "":
		return time.Time{}, invalidTimestamp(s)
	case lowered == "now" || lowered == "utc":
		return ref.UTC(), nil
	case lowered == "today":
		return p.midnight(ref, 0), nil
	case lowered == "yesterday":
		return p.midnight(ref, -1), nil
	case lowered[0] == '-' || lowered[0] == '+':
		d, err := ParseDuration(lowered[1:])
		if err != nil {
			return time.Time{}, err
		}
		if lowered[0] == '-' {
			d = -d
		}
		return ref.Add(d).UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, text, p.location()); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalidTimestamp(s)
}

func (p Parser) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// midnight returns local midnight of ref's date shifted by days, in UTC.
func (p Parser) midnight(ref time.Time, days int) time.Time {
	local := ref.In(p.location())
	y, m, d := local.Date()
	return time.Date(y, m, d+days, 0, 0, 0, 0, p.location()).UTC()
}

func invalidTimestamp(s string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeInputInvalidWindow,
		fmt.Sprintf("could not parse timestamp %q; use ISO8601 or relative forms like '-2h' or 'yesterday'", s), nil,
		map[string]any{"timestamp": s})
}

func unknownExpression(expr string) error {
	suggestions := Suggest(expr)
	return types.NewAppErrorWithDetails(types.ErrCodeInputInvalidWindow,
		fmt.Sprintf("could not interpret window %q. Try one of: %s. %s",
			expr, strings.Join(suggestions, ", "), SyntaxHelp), nil,
		map[string]any{"expression": expr, "suggestions": suggestions})
}

func suggestionCandidates() []string {
	set := map[string]struct{}{
		"default": {}, "auto": {}, "now": {}, "today": {}, "yesterday": {},
		"-6h..-3h": {}, "2024-02-01..2024-02-02": {},
	}
	for k := range lookbackPresets {
		set[k] = struct{}{}
	}
	for k := range durationPresets {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Suggest returns up to three known expressions close to expr. When nothing
// is close it falls back to prefix matches, then to a fixed set.
func Suggest(expr string) []string {
	normalized := strings.ToLower(strings.TrimSpace(expr))
	candidates := suggestionCandidates()

	type scored struct {
		value string
		score float64
	}
	var near []scored
	for _, c := range candidates {
		if s := similarity(normalized, c); s >= 0.3 {
			near = append(near, scored{c, s})
		}
	}
	sort.SliceStable(near, func(i, j int) bool { return near[i].score > near[j].score })

	var out []string
	for _, c := range near {
		if len(out) == 3 {
			break
		}
		out = append(out, c.value)
	}
	if len(out) == 0 && normalized != "" {
		for _, c := range candidates {
			if len(out) < 3 && strings.HasPrefix(c, normalized) {
				out = append(out, c)
			}
		}
	}
	if len(out) == 0 {
		out = []string{"last-1h", "6h", "yesterday"}
	}
	return out
}

// similarity is 1 - levenshtein/maxLen, in [0, 1].
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	n := max(len(ra), len(rb))
	if n == 0 {
		return 1
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return 1 - float64(prev[len(rb)])/float64(n)
}
