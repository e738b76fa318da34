package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tgscan/internal/scan"
)

func TestWriteSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	writeSummary(&buf, scan.Status{
		State:         scan.StateComplete,
		CycleID:       "c1",
		CycleKeywords: scan.KeywordSet{"leak"},
		TargetCount:   3,
		TargetsFailed: 1,
		MatchCount:    1,
		ResultsFile:   "data/20240101-results-leak.txt",
		LinksInfo:     scan.LinksInfo{Count: 3, Filename: "data/links.txt"},
		Results:       []scan.Match{{Keyword: "leak", Target: "https://t.me/s/a", Context: "a leak here"}},
	})

	out := buf.String()
	require.Contains(t, out, "c1 (COMPLETE)")
	require.Contains(t, out, "3 scanned, 1 failed")
	require.Contains(t, out, "3 in data/links.txt")
	require.Contains(t, out, "[leak] https://t.me/s/a: a leak here")
	require.NotContains(t, out, "error:")
}

func TestResolveAppMissing(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.Error(t, err)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	names := make([]string, 0, len(cmd.Commands()))
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	require.Contains(t, names, "serve")
	require.Contains(t, names, "scan")
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}
