// Package storage holds the pieces shared by the match log and blob backends:
// fanning one match out to several logs and archiving cycle artifacts to a
// blob store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// MultiOpener opens one log per backend and tees appends across them.
type MultiOpener struct {
	openers []scan.MatchLogOpener
}

// NewMultiOpener combines openers. With a single opener it behaves exactly
// like that opener.
func NewMultiOpener(openers ...scan.MatchLogOpener) *MultiOpener {
	return &MultiOpener{openers: append([]scan.MatchLogOpener(nil), openers...)}
}

// Open opens every backend; if one fails, those already opened are closed.
func (m *MultiOpener) Open(ctx context.Context, cycle scan.CycleInfo) (scan.MatchLog, error) {
	if len(m.openers) == 0 {
		return nil, errors.New("no match log backends configured")
	}
	logs := make([]scan.MatchLog, 0, len(m.openers))
	for _, o := range m.openers {
		l, err := o.Open(ctx, cycle)
		if err != nil {
			for _, opened := range logs {
				_ = opened.Close()
			}
			return nil, err
		}
		logs = append(logs, l)
	}
	if len(logs) == 1 {
		return logs[0], nil
	}
	return &teeLog{logs: logs}, nil
}

type teeLog struct {
	logs []scan.MatchLog
}

// Append writes to every log in order and stops at the first failure.
func (t *teeLog) Append(ctx context.Context, m scan.Match) error {
	for _, l := range t.logs {
		if err := l.Append(ctx, m); err != nil {
			return fmt.Errorf("append to %s: %w", l.Location(), err)
		}
	}
	return nil
}

// Location reports the primary (first) log.
func (t *teeLog) Location() string {
	return t.logs[0].Location()
}

func (t *teeLog) Close() error {
	var errs []error
	for _, l := range t.logs {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Archiver uploads a finished cycle's files to a blob store under
// <prefix>/<cycle id>/<file name>.
type Archiver struct {
	store  BlobStore
	prefix string
}

// NewArchiver builds an Archiver on top of store.
func NewArchiver(store BlobStore, prefix string) *Archiver {
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}
}

// Archive uploads each non-empty file path. Missing files are skipped.
func (a *Archiver) Archive(ctx context.Context, cycle scan.Cycle, files ...string) error {
	var errs []error
	for _, f := range files {
		if f == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Clean(f))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("read %s: %w", f, err))
			continue
		}
		key := path.Join(a.prefix, cycle.ID, filepath.Base(f))
		if _, err := a.store.PutObject(ctx, key, "text/plain; charset=utf-8", data); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
