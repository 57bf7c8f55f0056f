// Package flare is the client for an external FlareSolverr-compatible
// challenge-solving service: it forwards guarded requests to a real
// browser held by the service and returns the solved page.
package flare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// Config tunes the solver client.
type Config struct {
	Enabled        bool
	Endpoint       string // base URL, e.g. http://localhost:8191
	MaxTimeout     time.Duration // per-solve budget forwarded to the service
	RequestTimeout time.Duration // HTTP timeout wrapping the solve call
	MaxRetries     int
	RetryBaseDelay time.Duration
	SessionTTL     time.Duration
	HealthInterval time.Duration // health probe cache duration
	Domains        map[string]DomainTuning
}

// DomainTuning overrides solve parameters for one domain. Zero fields
// fall back to the client-wide settings.
type DomainTuning struct {
	ExtraWait      time.Duration // added to the solve budget for slow-rendering pages
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the standard client settings.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "http://localhost:8191",
		MaxTimeout:     60 * time.Second,
		RequestTimeout: 75 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 2 * time.Second,
		SessionTTL:     10 * time.Minute,
		HealthInterval: time.Minute,
	}
}

// request is the service's command envelope.
type request struct {
	Cmd        string            `json:"cmd"`
	URL        string            `json:"url,omitempty"`
	MaxTimeout int               `json:"maxTimeout,omitempty"` // milliseconds
	Headers    map[string]string `json:"headers,omitempty"`
	Cookies    []cookie          `json:"cookies,omitempty"`
	Proxy      *proxySpec        `json:"proxy,omitempty"`
	Session    string            `json:"session,omitempty"`
	SessionTTL int               `json:"session_ttl_minutes,omitempty"`
	PostData   string            `json:"postData,omitempty"`
}

type proxySpec struct {
	URL string `json:"url"`
}

type cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// response is the service's reply envelope.
type response struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	Session  string    `json:"session,omitempty"`
	Sessions []string  `json:"sessions,omitempty"`
	Solution *solution `json:"solution,omitempty"`
}

type solution struct {
	URL       string            `json:"url"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Response  string            `json:"response"`
	Cookies   []cookie          `json:"cookies"`
	UserAgent string            `json:"userAgent"`
}

// Solved is the outcome of a successful challenge bypass.
type Solved struct {
	Status       int
	HTML         string
	Headers      map[string]string
	Cookies      map[string]string
	UserAgent    string
	FinalURL     string
	ResponseTime time.Duration
}

// session is one named browser session held open on the service.
type session struct {
	name      string
	createdAt time.Time
}

// Client talks to the challenge-solving service. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	sessions map[string]*session // keyed by domain

	healthMu      sync.Mutex
	healthyUntil  time.Time
	healthyCached bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a solver client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8191"
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = cfg.MaxTimeout + 15*time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		cfg:      cfg,
		client:   httpClient,
		sessions: make(map[string]*session),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Enabled reports whether escalation to the solver is configured.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// Healthy probes the service root, caching the verdict for the health
// interval.
func (c *Client) Healthy(ctx context.Context) bool {
	c.healthMu.Lock()
	if c.now().Before(c.healthyUntil) {
		cached := c.healthyCached
		c.healthMu.Unlock()
		return cached
	}
	c.healthMu.Unlock()

	healthy := c.probe(ctx)

	c.healthMu.Lock()
	c.healthyCached = healthy
	c.healthyUntil = c.now().Add(c.cfg.HealthInterval)
	c.healthMu.Unlock()
	return healthy
}

// Solve asks the service to bypass the challenge protecting rawURL.
// Retries are bounded with multiplicative backoff, independent of the
// coordinator's HTTP retry policy.
func (c *Client) Solve(ctx context.Context, method, rawURL string, headers map[string]string, data string, cookies map[string]string, proxyURL, domain string) (*Solved, error) {
	if !c.cfg.Enabled {
		return nil, types.ErrSolverUnavailable
	}
	if !c.Healthy(ctx) {
		return nil, types.ErrSolverUnavailable
	}

	cmd := "request.get"
	var postData string
	if strings.EqualFold(method, http.MethodPost) {
		cmd = "request.post"
		postData = data
	}

	tuning := c.cfg.Domains[domain]
	maxRetries := c.cfg.MaxRetries
	if tuning.MaxRetries > 0 {
		maxRetries = tuning.MaxRetries
	}
	baseDelay := c.cfg.RetryBaseDelay
	if tuning.RetryBaseDelay > 0 {
		baseDelay = tuning.RetryBaseDelay
	}

	req := &request{
		Cmd:        cmd,
		URL:        rawURL,
		MaxTimeout: int((c.cfg.MaxTimeout + tuning.ExtraWait) / time.Millisecond),
		Headers:    headers,
		PostData:   postData,
	}
	for name, value := range cookies {
		req.Cookies = append(req.Cookies, cookie{Name: name, Value: value})
	}
	if proxyURL != "" {
		req.Proxy = &proxySpec{URL: proxyURL}
	}
	if name := c.sessionFor(ctx, domain); name != "" {
		req.Session = name
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		start := c.now()
		resp, err := c.call(ctx, req)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Int("attempt", attempt).Str("url", rawURL).Msg("Challenge solve attempt failed")
			continue
		}
		if resp.Status != "ok" || resp.Solution == nil {
			lastErr = fmt.Errorf("%w: %s", types.ErrSolverFailed, resp.Message)
			continue
		}

		sol := resp.Solution
		out := &Solved{
			Status:       sol.Status,
			HTML:         sol.Response,
			Headers:      sol.Headers,
			Cookies:      make(map[string]string, len(sol.Cookies)),
			UserAgent:    sol.UserAgent,
			FinalURL:     sol.URL,
			ResponseTime: c.now().Sub(start),
		}
		for _, ck := range sol.Cookies {
			out.Cookies[ck.Name] = ck.Value
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = types.ErrSolverFailed
	}
	return nil, lastErr
}

// DestroyExpiredSessions tears down solver sessions past their TTL.
func (c *Client) DestroyExpiredSessions(ctx context.Context) {
	c.mu.Lock()
	var expired []string
	for domain, s := range c.sessions {
		if c.now().Sub(s.createdAt) >= c.cfg.SessionTTL {
			expired = append(expired, domain)
		}
	}
	c.mu.Unlock()

	for _, domain := range expired {
		c.destroySession(ctx, domain)
	}
}

// Close destroys every session held on the service.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	domains := make([]string, 0, len(c.sessions))
	for domain := range c.sessions {
		domains = append(domains, domain)
	}
	c.mu.Unlock()

	for _, domain := range domains {
		c.destroySession(ctx, domain)
	}
}

// sessionFor returns the domain's live solver session, creating one when
// needed. Session failures degrade to sessionless solving.
func (c *Client) sessionFor(ctx context.Context, domain string) string {
	if domain == "" || c.cfg.SessionTTL <= 0 {
		return ""
	}

	c.mu.Lock()
	if s, ok := c.sessions[domain]; ok && c.now().Sub(s.createdAt) < c.cfg.SessionTTL {
		name := s.name
		c.mu.Unlock()
		return name
	}
	c.mu.Unlock()

	name := "harvester-" + strings.ReplaceAll(domain, ".", "-")
	resp, err := c.call(ctx, &request{
		Cmd:        "sessions.create",
		Session:    name,
		SessionTTL: int(c.cfg.SessionTTL / time.Minute),
	})
	if err != nil || resp.Status != "ok" {
		log.Debug().Err(err).Str("domain", domain).Msg("Solver session create failed, continuing without")
		return ""
	}
	if resp.Session != "" {
		name = resp.Session
	}

	c.mu.Lock()
	c.sessions[domain] = &session{name: name, createdAt: c.now()}
	c.mu.Unlock()
	log.Debug().Str("domain", domain).Str("session", name).Msg("Solver session created")
	return name
}

func (c *Client) destroySession(ctx context.Context, domain string) {
	c.mu.Lock()
	s, ok := c.sessions[domain]
	if ok {
		delete(c.sessions, domain)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if _, err := c.call(ctx, &request{Cmd: "sessions.destroy", Session: s.name}); err != nil {
		log.Debug().Err(err).Str("session", s.name).Msg("Solver session destroy failed")
	}
}

func (c *Client) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

func (c *Client) call(ctx context.Context, payload *request) (*response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSolverUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, err
	}

	var parsed response
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("solver returned malformed JSON: %w", err)
	}
	return &parsed, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
