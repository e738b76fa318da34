package local

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// DefaultTargetsFile is the target list file name used when none is configured.
const DefaultTargetsFile = "links.txt"

// TargetListWriter overwrites a single target list file at each cycle start.
type TargetListWriter struct {
	dir  string
	name string
}

// NewTargetListWriter validates dir and returns a writer for dir/name.
func NewTargetListWriter(dir, name string) (*TargetListWriter, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultTargetsFile
	}
	return &TargetListWriter{dir: dir, name: name}, nil
}

// WriteTargets writes one target per line through a temp file and rename so
// readers never see a partial list.
func (w *TargetListWriter) WriteTargets(_ context.Context, _ scan.CycleInfo, targets []scan.Target) (string, error) {
	path, err := within(w.dir, w.name)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range targets {
		b.WriteString(string(t))
		b.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("write target list: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename target list: %w", err)
	}
	return path, nil
}
