package local

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/tgscan/internal/scan"
)

const (
	fieldSep      = "\t"
	headerPrefix  = "#"
	recordFields  = 5
	timestampForm = time.RFC3339Nano
)

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\t`, "\t", `\n`, "\n", `\r`, "\r")
)

// FormatLine renders m as one tab-separated record terminated by a newline:
// timestamp, target, keyword, context, annotation.
func FormatLine(m scan.Match) string {
	fields := []string{
		m.Timestamp.UTC().Format(timestampForm),
		escaper.Replace(string(m.Target)),
		escaper.Replace(m.Keyword),
		escaper.Replace(m.Context),
		escaper.Replace(m.Annotation),
	}
	return strings.Join(fields, fieldSep) + "\n"
}

// ParseLine is the inverse of FormatLine. Header lines and blank lines return
// ok=false with a nil error.
func ParseLine(line string) (scan.Match, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, headerPrefix) {
		return scan.Match{}, false, nil
	}
	parts := strings.Split(line, fieldSep)
	if len(parts) != recordFields {
		return scan.Match{}, false, fmt.Errorf("expected %d fields, got %d", recordFields, len(parts))
	}
	ts, err := time.Parse(timestampForm, parts[0])
	if err != nil {
		return scan.Match{}, false, fmt.Errorf("parse timestamp: %w", err)
	}
	return scan.Match{
		Timestamp:  ts,
		Target:     scan.Target(unescaper.Replace(parts[1])),
		Keyword:    unescaper.Replace(parts[2]),
		Context:    unescaper.Replace(parts[3]),
		Annotation: unescaper.Replace(parts[4]),
	}, true, nil
}

func formatHeader(cycle scan.CycleInfo) string {
	return fmt.Sprintf("%s cycle=%s keywords=%s started=%s\n",
		headerPrefix,
		cycle.ID,
		escaper.Replace(strings.Join(cycle.Keywords, ",")),
		cycle.StartedAt.UTC().Format(time.RFC3339),
	)
}
