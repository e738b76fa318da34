// Package matcher finds keyword hits in text units and cuts a bounded context
// window around each one.
package matcher

import (
	"cmp"
	"iter"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/tgscan/internal/scan"
)

const (
	// DefaultWindow is the number of characters kept on each side of a hit.
	DefaultWindow = 80
	// DefaultCap bounds the length of any context snippet.
	DefaultCap = 400
)

// Config controls matching behavior.
type Config struct {
	// Window is the number of characters kept on each side of the matched
	// keyword. Zero keeps just the keyword; callers wanting DefaultWindow set it.
	Window int
	// Cap is the maximum snippet length in characters.
	Cap int
	// Mode selects first-hit-wins (default) or every-keyword reporting.
	Mode scan.MatchMode
	// MaxPerTarget stops a Scan after this many matches. Zero means unlimited.
	MaxPerTarget int
}

// Matcher scans text units for keywords.
type Matcher struct {
	cfg   Config
	clock scan.Clock
}

// New builds a Matcher. A zero Window keeps only the keyword itself; a zero
// Cap or Mode falls back to the default.
func New(cfg Config, clock scan.Clock) *Matcher {
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.Mode == "" {
		cfg.Mode = scan.MatchModeFirst
	}
	return &Matcher{cfg: cfg, clock: clock}
}

// Scan yields the matches found in units, in unit order. Each unit produces
// at most one match in first mode. The sequence is computed lazily and is
// meant to be ranged over once.
func (m *Matcher) Scan(target scan.Target, units []string, keywords scan.KeywordSet) iter.Seq[scan.Match] {
	lowered := lowerKeywords(keywords)
	return func(yield func(scan.Match) bool) {
		emitted := 0
		for _, unit := range units {
			if unit == "" {
				continue
			}
			for _, hit := range m.findHits(unit, lowered) {
				match := scan.Match{
					Target:    target,
					Keyword:   keywords[hit.keyword],
					Context:   Context(unit, hit.start, hit.end, m.cfg.Window, m.cfg.Cap),
					Timestamp: m.now(),
				}
				if !yield(match) {
					return
				}
				emitted++
				if m.cfg.MaxPerTarget > 0 && emitted >= m.cfg.MaxPerTarget {
					return
				}
			}
		}
	}
}

// First returns the first keyword (in set order) that occurs in text, or
// false when none does.
func First(text string, keywords scan.KeywordSet) (string, bool) {
	lowered := lowerText(text)
	for i, kw := range lowerKeywords(keywords) {
		if _, _, ok := index(lowered, kw); ok {
			return keywords[i], true
		}
	}
	return "", false
}

type hit struct {
	keyword    int
	start, end int
}

func (m *Matcher) findHits(unit string, keywords []string) []hit {
	lowered := lowerText(unit)
	var hits []hit
	for i, kw := range keywords {
		start, end, ok := index(lowered, kw)
		if !ok {
			continue
		}
		hits = append(hits, hit{keyword: i, start: start, end: end})
		if m.cfg.Mode != scan.MatchModeAll {
			break
		}
	}
	if len(hits) > 1 {
		slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(a.start, b.start) })
	}
	return hits
}

// Context returns the substring of text spanning [start-window, end+window)
// in rune offsets, clamped to the text, and trimmed symmetrically to limit
// runes around the hit.
func Context(text string, start, end, window, limit int) string {
	runes := []rune(text)
	n := len(runes)
	start = clamp(start, 0, n)
	end = clamp(end, start, n)
	lo := clamp(start-window, 0, n)
	hi := clamp(end+window, 0, n)
	if limit > 0 && hi-lo > limit {
		lo, hi = trim(lo, hi, start, end, limit)
	}
	return string(runes[lo:hi])
}

// trim shrinks [lo,hi) to limit runes, keeping the hit centered where possible.
func trim(lo, hi, start, end, limit int) (int, int) {
	if end-start >= limit {
		return start, start + limit
	}
	spare := limit - (end - start)
	before := start - lo
	after := hi - end
	left := spare / 2
	right := spare - left
	switch {
	case before < left:
		right += left - before
		left = before
	case after < right:
		left += right - after
		right = after
	}
	return start - left, end + right
}

// index returns the rune offsets of the first occurrence of kw in text.
func index(text, kw string) (int, int, bool) {
	if kw == "" {
		return 0, 0, false
	}
	idx := strings.Index(text, kw)
	if idx < 0 {
		return 0, 0, false
	}
	start := utf8.RuneCountInString(text[:idx])
	return start, start + utf8.RuneCountInString(kw), true
}

// lowerText lowers rune by rune so rune offsets stay aligned with the original.
func lowerText(s string) string {
	return strings.Map(unicode.ToLower, s)
}

func lowerKeywords(keywords scan.KeywordSet) []string {
	out := make([]string, len(keywords))
	for i, kw := range keywords {
		out[i] = lowerText(kw)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (m *Matcher) now() time.Time {
	if m.clock == nil {
		return time.Now().UTC()
	}
	return m.clock.Now()
}
