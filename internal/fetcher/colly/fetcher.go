// Package collyfetcher implements the listing and text fetchers using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/tgscan/internal/extract"
	"github.com/JakeFAU/tgscan/internal/scan"
)

// ErrStatus reports a non-2xx response.
var ErrStatus = errors.New("unexpected http status")

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	RespectRobots   bool
	Timeout         time.Duration
	MessageSelector string
	Headers         http.Header
}

// Fetcher fetches static pages with a Colly collector. It serves both as the
// listing fetcher and as the text fetcher for channel previews.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page is the raw response of one visit.
type page struct {
	url         string
	status      int
	contentType string
	body        []byte
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MessageSelector == "" {
		cfg.MessageSelector = extract.DefaultMessageSelector
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// FetchListing visits the listing page and returns the links selected by the
// source's rule, resolved against the page URL and filtered by its prefix.
func (f *Fetcher) FetchListing(ctx context.Context, source scan.ListingSource) ([]string, error) {
	selector := source.Selector
	if selector == "" {
		selector = "a[href]"
	}
	var (
		links    []string
		res      page
		fetchErr error
	)
	collector := f.buildCollector(ctx, &res, &fetchErr)
	collector.OnHTML(selector, func(e *colly.HTMLElement) {
		href := strings.TrimSpace(e.Attr("href"))
		if href == "" {
			return
		}
		if abs := e.Request.AbsoluteURL(href); abs != "" {
			href = abs
		}
		if source.HrefPrefix != "" && !strings.HasPrefix(href, source.HrefPrefix) {
			return
		}
		links = append(links, href)
	})
	if err := f.runCollector(ctx, collector, source.Location, &fetchErr); err != nil {
		return nil, fmt.Errorf("listing %s: %w", source.Name, err)
	}
	return links, nil
}

// FetchText fetches a channel preview and returns one text unit per message.
func (f *Fetcher) FetchText(ctx context.Context, target scan.Target) ([]string, error) {
	var (
		res      page
		fetchErr error
	)
	collector := f.buildCollector(ctx, &res, &fetchErr)
	if err := f.runCollector(ctx, collector, target.String(), &fetchErr); err != nil {
		return nil, err
	}
	body, err := extract.Decode(res.body, res.contentType)
	if err != nil {
		return nil, err
	}
	units, err := extract.TextUnits(body, f.cfg.MessageSelector)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", target, err)
	}
	return units, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, result *page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = page{
			url:    r.Request.URL.String(),
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.contentType = r.Headers.Get("Content-Type")
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = fmt.Errorf("%w %d: %w", ErrStatus, r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
