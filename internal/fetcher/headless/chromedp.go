// Package headless renders pages in headless Chrome for sources that need
// JavaScript before their messages or links appear.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/tgscan/internal/extract"
	"github.com/JakeFAU/tgscan/internal/scan"
)

const defaultNavTimeout = 45 * time.Second

// ErrStatus reports a rendered document that came back with an error status.
var ErrStatus = errors.New("unexpected document status")

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before a preview is captured. Defaults to the
	// message selector.
	WaitSelector    string
	MessageSelector string
	Headers         http.Header
}

// Fetcher implements the listing and text fetchers with chromedp. Browser
// tabs are bounded by MaxParallel.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. Chrome is only
// launched on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.MessageSelector == "" {
		cfg.MessageSelector = extract.DefaultMessageSelector
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = cfg.MessageSelector
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting Chrome down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// FetchText renders a channel preview, waits for its messages and returns
// one text unit per message.
func (f *Fetcher) FetchText(ctx context.Context, target scan.Target) ([]string, error) {
	html, err := f.render(ctx, target.String(), f.cfg.WaitSelector)
	if err != nil {
		return nil, err
	}
	units, err := extract.TextUnits([]byte(html), f.cfg.MessageSelector)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", target, err)
	}
	return units, nil
}

// FetchListing renders a listing page and returns the links its rule selects.
func (f *Fetcher) FetchListing(ctx context.Context, source scan.ListingSource) ([]string, error) {
	html, err := f.render(ctx, source.Location, "body")
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", source.Name, err)
	}
	links, err := extract.Links([]byte(html), source.Selector, source.HrefPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", source.Name, err)
	}
	return links, nil
}

func (f *Fetcher) render(ctx context.Context, url, waitSelector string) (string, error) {
	if err := f.acquire(ctx); err != nil {
		return "", err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	// Tie the tab to the caller's deadline as well as the navigation timeout.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	html, err := f.runHeadless(tabCtx, url, waitSelector)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return "", err
	}
	if status := meta.statusCode(); status >= http.StatusBadRequest {
		return "", fmt.Errorf("%w %d: %s", ErrStatus, status, url)
	}
	return html, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url, waitSelector string) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if waitSelector != "" && waitSelector != "body" {
		actions = append(actions, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// responseMeta records the status of the main document.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response counts; iframes come later.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) statusCode() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
