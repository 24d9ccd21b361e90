// Package discovery collects product detail links from a site search page.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/crawler"
	"github.com/JakeFAU/product-scraper/internal/fetcher"
)

// Config describes the search page and which anchors count as products.
type Config struct {
	BaseURL      string
	LinkSelector string
	ProductPath  string
	UserAgents   []string
	Timeout      time.Duration
	Transport    http.RoundTripper
}

// Defaults for Amazon India.
const (
	DefaultBaseURL      = "https://www.amazon.in"
	DefaultLinkSelector = "a.a-link-normal.s-faceout-link, a.a-link-normal.s-no-outline"
	DefaultProductPath  = "/dp/"
)

// SearchDiscoverer implements crawler.Discoverer.
type SearchDiscoverer struct {
	cfg    Config
	base   *url.URL
	logger *zap.Logger
}

// NewSearchDiscoverer validates the base URL and fills defaults.
func NewSearchDiscoverer(cfg Config, logger *zap.Logger) (*SearchDiscoverer, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = DefaultLinkSelector
	}
	if cfg.ProductPath == "" {
		cfg.ProductPath = DefaultProductPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid discovery base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchDiscoverer{cfg: cfg, base: base, logger: logger}, nil
}

// SearchURL returns the search page for term.
func (d *SearchDiscoverer) SearchURL(term string) string {
	return d.base.String() + "/s?k=" + url.QueryEscape(term)
}

// Discover returns absolute, query-free product URLs in page order without
// duplicates. A page with no matches yields an empty slice. Transport errors
// and non-2xx responses are returned as *crawler.DiscoveryError.
func (d *SearchDiscoverer) Discover(ctx context.Context, term string) ([]string, error) {
	searchURL := d.SearchURL(term)
	c := colly.NewCollector(colly.AllowURLRevisit(), colly.IgnoreRobotsTxt())
	if d.cfg.Transport != nil {
		c.WithTransport(d.cfg.Transport)
	}
	c.SetRequestTimeout(d.cfg.Timeout)
	c.UserAgent = fetcher.PickUserAgent(d.cfg.UserAgents)

	var (
		links    []string
		seen     = make(map[string]struct{})
		visitErr error
	)
	c.OnRequest(func(r *colly.Request) {
		for key, values := range fetcher.DefaultHeaders() {
			r.Headers.Set(key, values[0])
		}
	})
	c.OnHTML(d.cfg.LinkSelector, func(e *colly.HTMLElement) {
		link, ok := d.normalize(e.Attr("href"))
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(searchURL)
	}()

	select {
	case <-ctx.Done():
		return nil, &crawler.DiscoveryError{Term: term, Err: ctx.Err()}
	case err := <-done:
		if visitErr != nil {
			err = visitErr
		}
		if err != nil {
			d.logger.Warn("search page fetch failed", zap.String("url", searchURL), zap.Error(err))
			return nil, &crawler.DiscoveryError{Term: term, Err: err}
		}
	}
	d.logger.Info("search links collected", zap.String("url", searchURL), zap.Int("links", len(links)))
	if links == nil {
		links = []string{}
	}
	return links, nil
}

func (d *SearchDiscoverer) normalize(href string) (string, bool) {
	if !strings.Contains(href, d.cfg.ProductPath) {
		return "", false
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	abs := d.base.ResolveReference(ref)
	abs.RawQuery = ""
	abs.Fragment = ""
	return abs.String(), true
}
