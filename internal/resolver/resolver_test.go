package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tgscan/internal/scan"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want scan.Target
		ok   bool
	}{
		{in: "https://t.me/s/already", want: "https://t.me/s/already", ok: true},
		{in: "https://t.me/channel", want: "https://t.me/s/channel", ok: true},
		{in: "https://t.me/channel/", want: "https://t.me/s/channel", ok: true},
		{in: "https://t.me/joinchat/abc?x=1", want: "https://t.me/s/abc", ok: true},
		{in: "@handle", want: "https://t.me/s/handle", ok: true},
		{in: "  bare  ", want: "https://t.me/s/bare", ok: true},
		{in: "https://t.me/s/", ok: false},
		{in: "https://t.me/", ok: false},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := Normalize(tt.in)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_DeduplicatesAcrossStaticAndSources(t *testing.T) {
	t.Parallel()

	fetcher := &fakeListingFetcher{links: map[string][]string{
		"a": {"https://t.me/one", "https://t.me/s/two", "https://example.com/x", "https://t.me/one"},
		"b": {"https://t.me/s/one", "https://t.me/three"},
	}}
	r := New(fetcher, []scan.ListingSource{
		{Name: "a", Location: "a", HrefPrefix: "https://t.me/"},
		{Name: "b", Location: "b", HrefPrefix: "https://t.me/"},
	}, nil)

	got, err := r.Resolve(context.Background(), []scan.Target{"https://t.me/s/two", "zero"})
	require.NoError(t, err)
	require.Equal(t, []scan.Target{
		"https://t.me/s/two",
		"https://t.me/s/zero",
		"https://t.me/s/one",
		"https://t.me/s/three",
	}, got)

	again, err := r.Resolve(context.Background(), []scan.Target{"https://t.me/s/two", "zero"})
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestResolve_PartialSourceFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	fetcher := &fakeListingFetcher{
		links:  map[string][]string{"ok": {"https://t.me/good"}},
		errors: map[string]error{"bad": errors.New("boom")},
	}
	r := New(fetcher, []scan.ListingSource{{Name: "bad", Location: "bad"}, {Name: "ok", Location: "ok"}}, nil)

	got, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []scan.Target{"https://t.me/s/good"}, got)
}

func TestResolve_AllSourcesFailedWithStaticTargets(t *testing.T) {
	t.Parallel()

	fetcher := &fakeListingFetcher{errors: map[string]error{"bad": errors.New("boom")}}
	r := New(fetcher, []scan.ListingSource{{Name: "bad", Location: "bad"}}, nil)

	got, err := r.Resolve(context.Background(), []scan.Target{"https://t.me/s/kept"})
	require.NoError(t, err)
	require.Equal(t, []scan.Target{"https://t.me/s/kept"}, got)
}

func TestResolve_AllSourcesFailedAndNoStatic(t *testing.T) {
	t.Parallel()

	fetcher := &fakeListingFetcher{errors: map[string]error{"bad": errors.New("boom")}}
	r := New(fetcher, []scan.ListingSource{{Name: "bad", Location: "bad"}}, nil)

	_, err := r.Resolve(context.Background(), nil)
	require.ErrorIs(t, err, scan.ErrSourceUnavailable)
}

func TestResolve_EmptyWithoutSources(t *testing.T) {
	t.Parallel()

	r := New(nil, nil, nil)
	_, err := r.Resolve(context.Background(), nil)
	require.ErrorIs(t, err, scan.ErrNoTargets)
}

func TestResolve_PanickingFetcherIsIsolated(t *testing.T) {
	t.Parallel()

	r := New(panicFetcher{}, []scan.ListingSource{{Name: "p", Location: "p"}}, nil)
	got, err := r.Resolve(context.Background(), []scan.Target{"x"})
	require.NoError(t, err)
	require.Equal(t, []scan.Target{"https://t.me/s/x"}, got)
}

// --- fakes ---

type fakeListingFetcher struct {
	links  map[string][]string
	errors map[string]error
}

func (f *fakeListingFetcher) FetchListing(_ context.Context, src scan.ListingSource) ([]string, error) {
	if err, ok := f.errors[src.Location]; ok {
		return nil, err
	}
	return f.links[src.Location], nil
}

type panicFetcher struct{}

func (panicFetcher) FetchListing(context.Context, scan.ListingSource) ([]string, error) {
	panic("listing exploded")
}
