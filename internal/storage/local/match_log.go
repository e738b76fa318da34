package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/JakeFAU/tgscan/internal/scan"
)

const (
	fileTimeLayout   = "2006-01-02-150405"
	maxKeywordSuffix = 80
	maxNameAttempts  = 1000
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9-]+`)

// LogOpener opens one append-only results file per cycle inside a directory.
type LogOpener struct {
	dir string
}

// NewLogOpener validates dir (creating it when missing) and returns an opener.
func NewLogOpener(dir string) (*LogOpener, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &LogOpener{dir: dir}, nil
}

// Open creates <ts>-results-<keywords>.txt and writes the header line. An
// existing file is never reused: when the name is taken by an earlier cycle a
// -2, -3, ... suffix is tried instead.
func (o *LogOpener) Open(_ context.Context, cycle scan.CycleInfo) (scan.MatchLog, error) {
	base := ResultsFileName(cycle)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; n <= maxNameAttempts; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		path, err := within(o.dir, name)
		if err != nil {
			return nil, err
		}
		// #nosec G304 -- path is confined to the configured data directory.
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open results file: %w", err)
		}
		if _, err := f.WriteString(formatHeader(cycle)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write results header: %w", err)
		}
		return &FileLog{file: f, path: path}, nil
	}
	return nil, fmt.Errorf("open results file: no free name for %s after %d attempts", base, maxNameAttempts)
}

// ResultsFileName builds the per-cycle results file name from the cycle start
// time and its keywords.
func ResultsFileName(cycle scan.CycleInfo) string {
	parts := make([]string, 0, len(cycle.Keywords))
	for _, kw := range cycle.Keywords {
		if s := strings.Trim(unsafeFileChars.ReplaceAllString(kw, "-"), "-"); s != "" {
			parts = append(parts, s)
		}
	}
	suffix := strings.Join(parts, "_")
	if len(suffix) > maxKeywordSuffix {
		suffix = suffix[:maxKeywordSuffix]
	}
	if suffix == "" {
		suffix = "none"
	}
	return fmt.Sprintf("%s-results-%s.txt", cycle.StartedAt.UTC().Format(fileTimeLayout), suffix)
}

// FileLog is a line-oriented results file.
type FileLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Append writes one formatted record.
func (l *FileLog) Append(_ context.Context, m scan.Match) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("results file %s is closed", l.path)
	}
	if _, err := l.file.WriteString(FormatLine(m)); err != nil {
		return fmt.Errorf("write results line: %w", err)
	}
	return nil
}

// Location returns the file path.
func (l *FileLog) Location() string {
	return l.path
}

// Close syncs and closes the file. It is safe to call more than once.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync results file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close results file: %w", err)
	}
	return nil
}

// ReadLog parses every record of a results file.
func ReadLog(path string) ([]scan.Match, error) {
	// #nosec G304 -- callers pass paths produced by LogOpener.
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read results file: %w", err)
	}
	var out []scan.Match
	for i, line := range strings.Split(string(data), "\n") {
		m, ok, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}
