package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

const sampleRobots = `User-agent: *
Disallow: /private/
Crawl-delay: 2

User-agent: slowbot
Crawl-delay: 10

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/sitemap-products.xml
`

func newRobotsServer(t *testing.T, body string, status int, hits *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestChecker(t *testing.T, cfg Config) *Checker {
	t.Helper()
	c, err := NewChecker(cfg, http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCheckDisallowed(t *testing.T) {
	srv := newRobotsServer(t, sampleRobots, http.StatusOK, nil)
	c := newTestChecker(t, DefaultConfig())

	d := c.Check(context.Background(), srv.URL+"/private/page", "harvester")
	if d.Allowed {
		t.Error("disallowed path reported as allowed")
	}
	if d.Reason != "disallowed by robots.txt" {
		t.Errorf("reason = %q", d.Reason)
	}

	d = c.Check(context.Background(), srv.URL+"/products/1", "harvester")
	if !d.Allowed {
		t.Errorf("allowed path reported as blocked: %q", d.Reason)
	}
	if d.CrawlDelay != 2*time.Second {
		t.Errorf("crawl delay = %v, want 2s", d.CrawlDelay)
	}
}

func TestCheckUASpecificDelayAndClamp(t *testing.T) {
	srv := newRobotsServer(t, sampleRobots, http.StatusOK, nil)

	cfg := DefaultConfig()
	cfg.MaxDelay = 5 * time.Second
	c := newTestChecker(t, cfg)

	// slowbot's 10s delay must clamp to MaxDelay.
	d := c.Check(context.Background(), srv.URL+"/page", "slowbot")
	if d.CrawlDelay != 5*time.Second {
		t.Errorf("clamped delay = %v, want 5s", d.CrawlDelay)
	}
}

func TestCheckCachesWithinTTL(t *testing.T) {
	var hits int64
	srv := newRobotsServer(t, sampleRobots, http.StatusOK, &hits)
	c := newTestChecker(t, DefaultConfig())

	c.Check(context.Background(), srv.URL+"/a", "harvester")
	c.Check(context.Background(), srv.URL+"/b", "harvester")
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("robots.txt fetched %d times within TTL, want 1", got)
	}

	// Expire the cache: the next check refetches.
	c.now = func() time.Time { return time.Now().Add(cDefaultTTL(c) + time.Minute) }
	c.Check(context.Background(), srv.URL+"/c", "harvester")
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("robots.txt fetched %d times after TTL expiry, want 2", got)
	}
}

func cDefaultTTL(c *Checker) time.Duration { return c.cfg.CacheTTL }

func TestCheckFailOpenOnFetchError(t *testing.T) {
	c := newTestChecker(t, DefaultConfig())

	d := c.Check(context.Background(), "http://127.0.0.1:1/page", "harvester")
	if !d.Allowed {
		t.Error("fetch failure must fail open")
	}
	if c.ErrorCount() != 1 {
		t.Errorf("error count = %d, want 1", c.ErrorCount())
	}
}

func TestCheckMissingRobotsAllowsAll(t *testing.T) {
	srv := newRobotsServer(t, "", http.StatusNotFound, nil)
	c := newTestChecker(t, DefaultConfig())

	d := c.Check(context.Background(), srv.URL+"/private/anything", "harvester")
	if !d.Allowed {
		t.Error("404 robots.txt must allow everything")
	}
}

func TestCheckOverrides(t *testing.T) {
	srv := newRobotsServer(t, sampleRobots, http.StatusOK, nil)
	host := mustHost(t, srv.URL)

	cfg := DefaultConfig()
	cfg.IgnoreDomains = []string{host}
	c := newTestChecker(t, cfg)
	if d := c.Check(context.Background(), srv.URL+"/private/x", "harvester"); !d.Allowed {
		t.Error("ignore-list domain must bypass robots.txt")
	}

	cfg = DefaultConfig()
	cfg.ForceAllow = []string{`/private/special-`}
	c = newTestChecker(t, cfg)
	if d := c.Check(context.Background(), srv.URL+"/private/special-1", "harvester"); !d.Allowed {
		t.Error("force-allow pattern must bypass robots.txt")
	}
	if d := c.Check(context.Background(), srv.URL+"/private/other", "harvester"); d.Allowed {
		t.Error("non-matching private path must stay disallowed")
	}
}

func TestCheckTestingModeLogsButAllows(t *testing.T) {
	srv := newRobotsServer(t, sampleRobots, http.StatusOK, nil)

	cfg := DefaultConfig()
	cfg.TestingMode = true
	c := newTestChecker(t, cfg)

	if d := c.Check(context.Background(), srv.URL+"/private/x", "harvester"); !d.Allowed {
		t.Error("testing mode must not enforce disallow")
	}
}

func TestApplyCrawlDelay(t *testing.T) {
	srv := newRobotsServer(t, sampleRobots, http.StatusOK, nil)
	host := mustHost(t, srv.URL)

	cfg := DefaultConfig()
	c := newTestChecker(t, cfg)

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }
	var slept time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		now = now.Add(d)
		return nil
	}

	// First access: nothing to wait for.
	// The checker only knows the delay once robots.txt is cached; prime it.
	c.Check(context.Background(), srv.URL+"/a", "harvester")
	if w, err := c.ApplyCrawlDelay(context.Background(), host, "harvester"); err != nil || w != 0 {
		t.Fatalf("first access wait = %v err = %v, want 0", w, err)
	}

	// 0.5s later with a 2s delay: must wait the remaining 1.5s.
	now = now.Add(500 * time.Millisecond)
	w, err := c.ApplyCrawlDelay(context.Background(), host, "harvester")
	if err != nil {
		t.Fatal(err)
	}
	if w != 1500*time.Millisecond {
		t.Errorf("wait = %v, want 1.5s", w)
	}

	// Well past the delay: zero wait again.
	now = now.Add(10 * time.Second)
	if w, _ := c.ApplyCrawlDelay(context.Background(), host, "harvester"); w != 0 {
		t.Errorf("wait = %v after long idle, want 0", w)
	}
	_ = slept
}

func TestApplyCrawlDelayDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RespectCrawlDelay = false
	c := newTestChecker(t, cfg)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		t.Error("sleep called with crawl delay disabled")
		return nil
	}

	if w, err := c.ApplyCrawlDelay(context.Background(), "example.com", "ua"); err != nil || w != 0 {
		t.Errorf("wait = %v err = %v, want 0, nil", w, err)
	}
}

func TestSitemaps(t *testing.T) {
	srv := newRobotsServer(t, sampleRobots, http.StatusOK, nil)
	host := mustHost(t, srv.URL)

	c := newTestChecker(t, DefaultConfig())
	// Prime the cache through the server URL so the scheme matches.
	c.Check(context.Background(), srv.URL+"/a", "harvester")

	got := c.Sitemaps(context.Background(), host)
	if len(got) != 2 {
		t.Fatalf("sitemaps = %v, want 2 entries", got)
	}
	if got[0] != "https://example.com/sitemap.xml" {
		t.Errorf("sitemaps[0] = %q", got[0])
	}
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname()
}
