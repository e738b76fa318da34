// Package watchlist holds the versioned keyword set and bespoke target list
// that cycles snapshot at start. Every mutation bumps the version and, when a
// path is configured, is persisted as YAML before it becomes visible.
package watchlist

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/tgscan/internal/logging"
	"github.com/JakeFAU/tgscan/internal/resolver"
	"github.com/JakeFAU/tgscan/internal/scan"
)

// ErrInvalidTarget rejects a target that does not name a channel.
var ErrInvalidTarget = errors.New("invalid target")

// Snapshot is an immutable view of the watchlist at one version.
type Snapshot struct {
	Version  int64           `yaml:"version" json:"version"`
	Keywords scan.KeywordSet `yaml:"keywords" json:"keywords"`
	Targets  []scan.Target   `yaml:"targets" json:"targets"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Version:  s.Version,
		Keywords: s.Keywords.Clone(),
		Targets:  slices.Clone(s.Targets),
	}
}

// Store is the process-wide watchlist.
type Store struct {
	mu     sync.RWMutex
	path   string
	snap   Snapshot
	logger *zap.Logger
}

// New loads the watchlist from path when the file exists, otherwise starts
// from the seed keywords and targets at version 1. An empty path keeps the
// watchlist in memory only.
func New(path string, seedKeywords, seedTargets []string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, logger: logger.Named("watchlist")}

	if path != "" {
		snap, err := load(path)
		switch {
		case err == nil:
			s.snap = snap
			s.logger.Info("watchlist loaded",
				zap.String("path", path),
				zap.Int64("version", snap.Version),
				zap.Int("keywords", len(snap.Keywords)),
				zap.Int("targets", len(snap.Targets)),
			)
			return s, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	s.snap = Snapshot{
		Version:  1,
		Keywords: scan.NewKeywordSet(seedKeywords),
		Targets:  normalizeTargets(seedTargets),
	}
	if err := s.save(s.snap); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns a copy of the current watchlist.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// UpdateKeywords replaces the keyword set for future cycles.
func (s *Store) UpdateKeywords(words []string) (Snapshot, error) {
	set := scan.NewKeywordSet(words)
	if len(set) == 0 {
		return Snapshot{}, scan.ErrNoKeywords
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.Clone()
	next.Keywords = set
	next.Version++
	if err := s.save(next); err != nil {
		return Snapshot{}, err
	}
	s.snap = next
	s.logger.Info("keywords updated", zap.Int64("version", next.Version), zap.Strings("keywords", next.Keywords))
	return next.Clone(), nil
}

// AddTarget appends the normalized target to the bespoke list. It reports
// false, without a version bump, when the target is already present.
func (s *Store) AddTarget(raw string) (scan.Target, bool, error) {
	target, ok := resolver.Normalize(raw)
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.snap.Targets, target) {
		return target, false, nil
	}
	next := s.snap.Clone()
	next.Targets = append(next.Targets, target)
	next.Version++
	if err := s.save(next); err != nil {
		return "", false, err
	}
	s.snap = next
	s.logger.Info("target added", logging.Target(target), zap.Int64("version", next.Version))
	return target, true, nil
}

func (s *Store) save(snap Snapshot) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal watchlist: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create watchlist dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write watchlist: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename watchlist: %w", err)
	}
	return nil
}

func load(path string) (Snapshot, error) {
	// #nosec G304 -- the path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read watchlist: %w", err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse watchlist %s: %w", path, err)
	}
	snap.Keywords = scan.NewKeywordSet(snap.Keywords)
	raw := make([]string, len(snap.Targets))
	for i, t := range snap.Targets {
		raw[i] = string(t)
	}
	snap.Targets = normalizeTargets(raw)
	if snap.Version < 1 {
		snap.Version = 1
	}
	return snap, nil
}

func normalizeTargets(raw []string) []scan.Target {
	out := make([]scan.Target, 0, len(raw))
	for _, r := range raw {
		t, ok := resolver.Normalize(r)
		if !ok || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// LoadKeywordsFile reads one keyword per line. Blank lines and lines starting
// with '#' are skipped.
func LoadKeywordsFile(path string) ([]string, error) {
	// #nosec G304 -- the path comes from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keywords file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read keywords file: %w", err)
	}
	return words, nil
}
