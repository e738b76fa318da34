package matcher

import (
	"slices"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tgscan/internal/scan"
)

func TestScan_FirstKeywordWinsAndStops(t *testing.T) {
	t.Parallel()

	m := New(Config{Window: 10}, fakeClock{now: time.Unix(100, 0)})
	text := "...data breach reported today by leak group..."

	got := slices.Collect(m.Scan("https://t.me/s/x", []string{text}, scan.KeywordSet{"breach", "leak"}))

	require.Len(t, got, 1)
	require.Equal(t, "breach", got[0].Keyword)
	require.Equal(t, "...data breach reported ", got[0].Context)
	require.Equal(t, scan.Target("https://t.me/s/x"), got[0].Target)
	require.Equal(t, time.Unix(100, 0), got[0].Timestamp)
}

func TestScan_KeywordOrderBeatsTextOrder(t *testing.T) {
	t.Parallel()

	m := New(Config{Window: 5}, nil)
	got := slices.Collect(m.Scan("t", []string{"breach then LEAK"}, scan.KeywordSet{"leak", "breach"}))

	require.Len(t, got, 1)
	require.Equal(t, "leak", got[0].Keyword)
	require.Equal(t, "then LEAK", got[0].Context)
}

func TestScan_OneMatchPerUnit(t *testing.T) {
	t.Parallel()

	m := New(Config{}, nil)
	units := []string{"nothing here", "a LEAK and a breach", "", "breach only"}
	got := slices.Collect(m.Scan("t", units, scan.KeywordSet{"breach", "leak"}))

	require.Len(t, got, 2)
	require.Equal(t, "breach", got[0].Keyword)
	require.Equal(t, "breach", got[1].Keyword)
}

func TestScan_AllModeReportsEveryKeywordInTextOrder(t *testing.T) {
	t.Parallel()

	m := New(Config{Window: 3, Mode: scan.MatchModeAll}, nil)
	got := slices.Collect(m.Scan("t", []string{"leak before breach"}, scan.KeywordSet{"breach", "leak", "dump"}))

	require.Len(t, got, 2)
	require.Equal(t, "leak", got[0].Keyword)
	require.Equal(t, "breach", got[1].Keyword)
}

func TestScan_MaxPerTarget(t *testing.T) {
	t.Parallel()

	m := New(Config{Window: 10, MaxPerTarget: 1}, nil)
	got := slices.Collect(m.Scan("t", []string{"leak one", "leak two"}, scan.KeywordSet{"leak"}))

	require.Len(t, got, 1)
	require.Equal(t, "leak one", got[0].Context)
}

func TestScan_ZeroWindowKeepsOnlyKeyword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		window int
		want   string
	}{
		{name: "zero", window: 0, want: "LEAK"},
		{name: "negative", window: -5, want: "LEAK"},
		{name: "default", window: DefaultWindow, want: "a LEAK and a breach"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := New(Config{Window: tt.window}, nil)
			got := slices.Collect(m.Scan("t", []string{"a LEAK and a breach"}, scan.KeywordSet{"leak"}))
			require.Len(t, got, 1)
			require.Equal(t, tt.want, got[0].Context)
		})
	}
}

func TestScan_StopsWhenConsumerStops(t *testing.T) {
	t.Parallel()

	m := New(Config{}, nil)
	count := 0
	for range m.Scan("t", []string{"leak", "leak", "leak"}, scan.KeywordSet{"leak"}) {
		count++
		break
	}
	require.Equal(t, 1, count)
}

func TestContext_BoundsAndSubstring(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 300) + "KEY" + strings.Repeat("y", 300)
	tests := []struct {
		name   string
		text   string
		kw     string
		window int
		limit  int
	}{
		{name: "start", text: "KEY" + strings.Repeat("z", 50), kw: "key", window: 10, limit: 400},
		{name: "end", text: strings.Repeat("z", 50) + "KEY", kw: "key", window: 10, limit: 400},
		{name: "middle capped", text: text, kw: "key", window: 1000, limit: 400},
		{name: "tiny text", text: "KEY", kw: "key", window: 50, limit: 400},
		{name: "multibyte", text: "Ünïcødé İSTANBUL leak ñandú", kw: "leak", window: 4, limit: 400},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := New(Config{Window: tt.window, Cap: tt.limit}, nil)
			got := slices.Collect(m.Scan("t", []string{tt.text}, scan.KeywordSet{tt.kw}))
			require.Len(t, got, 1)
			ctx := got[0].Context
			require.LessOrEqual(t, utf8.RuneCountInString(ctx), tt.limit)
			require.Contains(t, tt.text, ctx)
			require.Contains(t, strings.ToLower(ctx), tt.kw)
		})
	}
}

func TestContext_CapKeepsHitCentered(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 20) + "KEY" + strings.Repeat("b", 20)
	got := Context(text, 20, 23, 20, 9)
	require.Equal(t, "aaaKEYbbb", got)

	// Not enough room on the left: the spare goes to the right.
	got = Context("KEY"+strings.Repeat("b", 20), 0, 3, 20, 7)
	require.Equal(t, "KEYbbbb", got)
}

func TestContext_ClampsOutOfRangeOffsets(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", Context("abc", -5, 99, 2, 0))
	require.Equal(t, "", Context("", 0, 0, 5, 10))
}

func TestFirst(t *testing.T) {
	t.Parallel()

	kw, ok := First("Fresh DUMP posted", scan.KeywordSet{"leak", "dump"})
	require.True(t, ok)
	require.Equal(t, "dump", kw)

	_, ok = First("quiet day", scan.KeywordSet{"leak"})
	require.False(t, ok)
}

// --- fakes ---

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}
