// Package resolver builds the ordered, deduplicated target set for a scan
// cycle from bespoke targets and listing sources.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// DefaultSource is the community channel listing the scanner starts from.
var DefaultSource = scan.ListingSource{
	Name:       "deepdarkcti",
	Location:   "https://github.com/fastfire/deepdarkCTI/blob/main/telegram.md",
	Selector:   "a[href]",
	HrefPrefix: "https://t.me/",
}

// Resolver merges static targets with targets discovered from listing sources.
type Resolver struct {
	fetcher scan.ListingFetcher
	sources []scan.ListingSource
	logger  *zap.Logger
}

// New constructs a Resolver. A nil fetcher is allowed when sources is empty.
func New(fetcher scan.ListingFetcher, sources []scan.ListingSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		fetcher: fetcher,
		sources: append([]scan.ListingSource(nil), sources...),
		logger:  logger,
	}
}

// Sources returns a copy of the configured listing sources.
func (r *Resolver) Sources() []scan.ListingSource {
	return append([]scan.ListingSource(nil), r.sources...)
}

// Resolve returns static targets followed by discovered targets in source
// order, normalized and deduplicated. A failing source contributes nothing.
// The call fails only when the merged set is empty: with
// scan.ErrSourceUnavailable if every source failed, otherwise scan.ErrNoTargets.
func (r *Resolver) Resolve(ctx context.Context, static []scan.Target) ([]scan.Target, error) {
	set := newOrderedSet(len(static))
	for _, t := range static {
		set.add(string(t))
	}

	failed := 0
	var lastErr error
	for _, src := range r.sources {
		links, err := r.fetchSource(ctx, src)
		if err != nil {
			failed++
			lastErr = err
			r.logger.Warn("listing source failed",
				zap.String("source", src.Name),
				zap.String("location", src.Location),
				zap.Error(err),
			)
			continue
		}
		before := set.len()
		for _, link := range links {
			if src.HrefPrefix != "" && !strings.HasPrefix(link, src.HrefPrefix) {
				continue
			}
			set.add(link)
		}
		r.logger.Debug("listing source resolved",
			zap.String("source", src.Name),
			zap.Int("links", len(links)),
			zap.Int("new_targets", set.len()-before),
		)
	}

	if set.len() == 0 {
		if len(r.sources) > 0 && failed == len(r.sources) {
			return nil, fmt.Errorf("all %d listing sources failed: %w", failed, lastErr)
		}
		return nil, scan.ErrNoTargets
	}
	return set.items, nil
}

func (r *Resolver) fetchSource(ctx context.Context, src scan.ListingSource) (links []string, err error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: no listing fetcher configured", scan.ErrSourceUnavailable)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", scan.ErrSourceUnavailable, rec)
		}
	}()
	links, err = r.fetcher.FetchListing(ctx, src)
	if err != nil {
		if errors.Is(err, scan.ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", scan.ErrSourceUnavailable, err)
	}
	return links, nil
}

type orderedSet struct {
	seen  map[scan.Target]struct{}
	items []scan.Target
}

func newOrderedSet(capacity int) *orderedSet {
	return &orderedSet{seen: make(map[scan.Target]struct{}, capacity)}
}

func (s *orderedSet) add(raw string) {
	t, ok := Normalize(raw)
	if !ok {
		return
	}
	if _, dup := s.seen[t]; dup {
		return
	}
	s.seen[t] = struct{}{}
	s.items = append(s.items, t)
}

func (s *orderedSet) len() int {
	return len(s.items)
}
