// Package robots enforces robots.txt compliance: permission checks with a
// TTL cache and crawl-delay pacing per domain.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"
)

// maxRobotsBody caps the robots.txt download size.
const maxRobotsBody = 512 * 1024

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed    bool
	CrawlDelay time.Duration
	Reason     string
	UAUsed     string
}

// Config tunes the checker.
type Config struct {
	Enabled           bool
	RespectDisallow   bool
	RespectCrawlDelay bool
	DefaultUserAgent  string
	CacheTTL          time.Duration
	DefaultDelay      time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
	IgnoreDomains     []string // bypass compliance entirely for these domains
	ForceAllow        []string // URL regexes allowed regardless of robots.txt
	TestingMode       bool     // log violations instead of enforcing them
	FetchTimeout      time.Duration
}

// DefaultConfig returns the standard compliance settings.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RespectDisallow:   true,
		RespectCrawlDelay: true,
		CacheTTL:          24 * time.Hour,
		DefaultDelay:      time.Second,
		MinDelay:          500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		FetchTimeout:      10 * time.Second,
	}
}

// cacheEntry is one cached robots.txt with its parse result.
type cacheEntry struct {
	fetchedAt time.Time
	raw       string
	data      *robotstxt.RobotsData
	sitemaps  []string
	fetchErr  error
}

// Checker fetches, caches and evaluates robots.txt files, and paces
// requests per domain according to the resolved crawl delay.
type Checker struct {
	cfg        Config
	client     *http.Client
	forceAllow []*regexp.Regexp

	mu    sync.Mutex
	cache map[string]*cacheEntry

	accessMu   sync.Mutex
	domainMu   map[string]*sync.Mutex
	lastAccess map[string]time.Time

	errorCount int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewChecker creates a checker using client for robots.txt fetches.
func NewChecker(cfg Config, client *http.Client) (*Checker, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	force := make([]*regexp.Regexp, 0, len(cfg.ForceAllow))
	for _, p := range cfg.ForceAllow {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid force-allow pattern %q: %w", p, err)
		}
		force = append(force, re)
	}

	return &Checker{
		cfg:        cfg,
		client:     client,
		forceAllow: force,
		cache:      make(map[string]*cacheEntry),
		domainMu:   make(map[string]*sync.Mutex),
		lastAccess: make(map[string]time.Time),
		now:        time.Now,
		sleep:      sleepCtx,
	}, nil
}

// Check evaluates whether ua may fetch rawURL. Fetch and parse failures
// default to allow with the default delay.
func (c *Checker) Check(ctx context.Context, rawURL, ua string) Decision {
	if ua == "" {
		ua = c.cfg.DefaultUserAgent
	}
	allowAll := Decision{Allowed: true, CrawlDelay: c.cfg.DefaultDelay, UAUsed: ua}

	if !c.cfg.Enabled {
		allowAll.Reason = "compliance disabled"
		return allowAll
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		allowAll.Reason = "unparseable url, fail-open"
		return allowAll
	}
	domain := u.Hostname()

	for _, d := range c.cfg.IgnoreDomains {
		if strings.EqualFold(d, domain) {
			allowAll.Reason = "domain on ignore list"
			return allowAll
		}
	}
	for _, re := range c.forceAllow {
		if re.MatchString(rawURL) {
			allowAll.Reason = "force-allow override"
			return allowAll
		}
	}

	entry := c.entryFor(ctx, u)
	if entry.fetchErr != nil || entry.data == nil {
		allowAll.Reason = "robots.txt unavailable, fail-open"
		return allowAll
	}

	group := entry.data.FindGroup(ua)
	delay := c.resolveDelay(group)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	allowed := group.Test(path)
	if !allowed && !c.cfg.RespectDisallow {
		allowed = true
	}
	if !allowed && c.cfg.TestingMode {
		log.Warn().Str("url", rawURL).Str("ua", ua).Msg("Robots disallow (testing mode, not enforced)")
		allowed = true
	}

	reason := "allowed by robots.txt"
	if !allowed {
		reason = "disallowed by robots.txt"
	}
	return Decision{Allowed: allowed, CrawlDelay: delay, Reason: reason, UAUsed: ua}
}

// ApplyCrawlDelay blocks until the domain's crawl delay has elapsed since
// its last access, then records the new access time. Returns the time
// actually slept. The per-domain mutex serializes concurrent workers so
// two of them cannot collapse the delay.
func (c *Checker) ApplyCrawlDelay(ctx context.Context, domain, ua string) (time.Duration, error) {
	if !c.cfg.Enabled || !c.cfg.RespectCrawlDelay {
		return 0, nil
	}

	required := c.delayFor(ctx, domain, ua)

	mu := c.lockFor(domain)
	mu.Lock()
	defer mu.Unlock()

	c.accessMu.Lock()
	last, seen := c.lastAccess[domain]
	c.accessMu.Unlock()

	var wait time.Duration
	if seen {
		if elapsed := c.now().Sub(last); elapsed < required {
			wait = required - elapsed
		}
	}
	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return 0, err
		}
	}

	c.accessMu.Lock()
	c.lastAccess[domain] = c.now()
	c.accessMu.Unlock()
	return wait, nil
}

// Sitemaps returns the sitemap URLs advertised by the domain's robots.txt.
func (c *Checker) Sitemaps(ctx context.Context, domain string) []string {
	u := &url.URL{Scheme: "https", Host: domain}
	entry := c.entryFor(ctx, u)
	return append([]string(nil), entry.sitemaps...)
}

// ErrorCount reports how many robots.txt fetches or parses have failed.
func (c *Checker) ErrorCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// delayFor resolves the crawl delay for domain without touching pacing
// state.
func (c *Checker) delayFor(ctx context.Context, domain, ua string) time.Duration {
	if ua == "" {
		ua = c.cfg.DefaultUserAgent
	}
	u := &url.URL{Scheme: "https", Host: domain}
	entry := c.entryFor(ctx, u)
	if entry.fetchErr != nil || entry.data == nil {
		return c.clamp(c.cfg.DefaultDelay)
	}
	return c.resolveDelay(entry.data.FindGroup(ua))
}

// resolveDelay applies the fallback chain and clamps the result.
func (c *Checker) resolveDelay(group *robotstxt.Group) time.Duration {
	delay := c.cfg.DefaultDelay
	if group != nil && group.CrawlDelay > 0 {
		delay = group.CrawlDelay
	}
	return c.clamp(delay)
}

func (c *Checker) clamp(d time.Duration) time.Duration {
	if d < c.cfg.MinDelay {
		return c.cfg.MinDelay
	}
	if d > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return d
}

// entryFor returns the cached robots.txt for the URL's domain, fetching
// when absent or expired. Concurrent callers for the same domain share one
// fetch via the cache lock.
func (c *Checker) entryFor(ctx context.Context, u *url.URL) *cacheEntry {
	domain := u.Hostname()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[domain]; ok && c.now().Sub(entry.fetchedAt) < c.cfg.CacheTTL {
		return entry
	}

	entry := c.fetch(ctx, u)
	entry.fetchedAt = c.now()
	c.cache[domain] = entry
	if entry.fetchErr != nil {
		c.errorCount++
	}
	return entry
}

func (c *Checker) fetch(ctx context.Context, u *url.URL) *cacheEntry {
	robotsURL := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return &cacheEntry{fetchErr: err}
	}
	if c.cfg.DefaultUserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.DefaultUserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", robotsURL).Msg("robots.txt fetch failed, fail-open")
		return &cacheEntry{fetchErr: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return &cacheEntry{fetchErr: err}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		log.Debug().Err(err).Str("url", robotsURL).Msg("robots.txt parse failed, fail-open")
		return &cacheEntry{fetchErr: err}
	}

	return &cacheEntry{
		raw:      string(body),
		data:     data,
		sitemaps: parseSitemaps(string(body)),
	}
}

func (c *Checker) lockFor(domain string) *sync.Mutex {
	c.accessMu.Lock()
	defer c.accessMu.Unlock()
	mu, ok := c.domainMu[domain]
	if !ok {
		mu = &sync.Mutex{}
		c.domainMu[domain] = mu
	}
	return mu
}

func parseSitemaps(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 8 && strings.EqualFold(line[:8], "sitemap:") {
			if sm := strings.TrimSpace(line[8:]); sm != "" {
				out = append(out, sm)
			}
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
