// Package robots gates fetches on robots.txt directives and a host blocklist.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-scraper/internal/crawler"
)

const (
	defaultTimeout = 10 * time.Second
	maxRobotsBytes = 1 << 20
)

// Config controls which checks run.
type Config struct {
	// Respect enables robots.txt enforcement.
	Respect   bool
	UserAgent string
	Timeout   time.Duration
	// Blocklist holds exact hosts and "*.suffix" or ".suffix" wildcards.
	Blocklist []string
}

// Enforcer implements crawler.Policy. Denials wrap crawler.ErrPolicyDenied.
type Enforcer struct {
	client    *http.Client
	respect   bool
	userAgent string
	blocked   *blocklist
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// New builds an Enforcer. client may be nil.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Enforcer {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		client:    client,
		respect:   cfg.Respect,
		userAgent: cfg.UserAgent,
		blocked:   newBlocklist(cfg.Blocklist),
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Wait returns immediately; it only decides whether rawURL may be fetched.
func (e *Enforcer) Wait(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%s: invalid url: %w", rawURL, crawler.ErrPolicyDenied)
	}
	if e.blocked.isBlocked(parsed.Hostname()) {
		return fmt.Errorf("%s: host blocked: %w", rawURL, crawler.ErrPolicyDenied)
	}
	if !e.respect {
		return nil
	}
	data, err := e.load(ctx, parsed)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	if group := data.FindGroup(e.userAgent); group != nil && !group.Test(parsed.EscapedPath()) {
		return fmt.Errorf("%s: disallowed by robots.txt: %w", rawURL, crawler.ErrPolicyDenied)
	}
	return nil
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	e.mu.Lock()
	cached, ok := e.cache[hostKey]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	e.mu.Lock()
	e.cache[hostKey] = data
	e.mu.Unlock()
	return data, nil
}
