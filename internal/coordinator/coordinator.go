// Package coordinator drives the full acquisition protocol for one URL:
// circuit gates, robots compliance, crawl delay, identity rotation,
// proxied attempts with validation, and escalation to CAPTCHA or
// challenge solvers.
package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/backoff"
	"github.com/Rorqualx/harvester/internal/captcha"
	"github.com/Rorqualx/harvester/internal/flare"
	"github.com/Rorqualx/harvester/internal/httpx"
	"github.com/Rorqualx/harvester/internal/metrics"
	"github.com/Rorqualx/harvester/internal/proxy"
	"github.com/Rorqualx/harvester/internal/robots"
	"github.com/Rorqualx/harvester/internal/session"
	"github.com/Rorqualx/harvester/internal/stats"
	"github.com/Rorqualx/harvester/internal/types"
	"github.com/Rorqualx/harvester/internal/useragent"
	"github.com/Rorqualx/harvester/internal/validator"
)

// ErrDomainCircuitOpen is returned when the domain's circuit refuses the
// request outright.
var ErrDomainCircuitOpen = errors.New("domain circuit open")

// DomainOverride tunes escalation per domain.
type DomainOverride struct {
	// SuppressStatusEscalation disables escalating on bare 403/429
	// statuses; validation-level block signals still escalate.
	SuppressStatusEscalation bool

	// RequiredSelectors must match solved HTML for the escalation to
	// count. A solved page missing all of them is still a guard page.
	RequiredSelectors []string
}

// Config tunes the coordinator.
type Config struct {
	MaxAttempts       int
	HTTP              httpx.Config
	ProxyRequirements proxy.Requirements
	DomainOverrides   map[string]DomainOverride
}

// DefaultConfig returns the standard coordinator settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		HTTP:        httpx.DefaultConfig(),
	}
}

// Coordinator runs the per-URL acquisition protocol. All collaborators
// are required except the two solvers and the session store, which may
// be nil when their features are disabled.
type Coordinator struct {
	cfg      Config
	robots   *robots.Checker
	ua       *useragent.Rotator
	proxies  *proxy.Rotator
	backoff  *backoff.Engine
	validate *validator.Validator
	captcha  *captcha.Solver
	solver   *flare.Client
	budget   *flare.Budget
	sessions *session.Store
	domains  *stats.Tracker
	breakers *BreakerSet

	// newClient and wait are swapped in tests to intercept transport
	// construction and backoff sleeps.
	newClient func(cfg httpx.Config, proxyURL string) (*http.Client, error)
	wait      func(ctx context.Context, id string, attempt int, kind types.Kind) error
}

// Deps collects the coordinator's collaborators.
type Deps struct {
	Robots    *robots.Checker
	UserAgent *useragent.Rotator
	Proxies   *proxy.Rotator
	Backoff   *backoff.Engine
	Validator *validator.Validator
	Captcha   *captcha.Solver
	Solver    *flare.Client
	Budget    *flare.Budget
	Sessions  *session.Store
	Domains   *stats.Tracker
	Breakers  *BreakerSet
}

// New builds a coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = NewBreakerSet(DefaultBreakerConfig())
	}
	budget := deps.Budget
	if budget == nil {
		budget = NewBudgetFromDefaults()
	}
	return &Coordinator{
		cfg:       cfg,
		robots:    deps.Robots,
		ua:        deps.UserAgent,
		proxies:   deps.Proxies,
		backoff:   deps.Backoff,
		validate:  deps.Validator,
		captcha:   deps.Captcha,
		solver:    deps.Solver,
		budget:    budget,
		sessions:  deps.Sessions,
		domains:   deps.Domains,
		breakers:  breakers,
		newClient: httpx.NewClient,
		wait:      deps.Backoff.Wait,
	}
}

// NewBudgetFromDefaults returns a budget with standard limits.
func NewBudgetFromDefaults() *flare.Budget {
	return flare.NewBudget(flare.DefaultBudgetConfig())
}

// MakeRequest runs the full protocol for one URL and returns the final
// result. Robots-disallowed URLs return a result with RobotsSkip set and
// no error; terminal failures return a typed error.
func (c *Coordinator) MakeRequest(ctx context.Context, method, rawURL string) (*types.Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, types.NewFetchError(types.KindUnknown, rawURL, 0, "unparseable URL", err)
	}
	domain := u.Hostname()

	if !c.breakers.Allow(domain) {
		log.Debug().Str("domain", domain).Msg("Skipping URL, domain circuit open")
		return nil, ErrDomainCircuitOpen
	}
	// Exits that report no outcome must hand a half-open probe slot
	// back; Success and Failure settle the probe themselves.
	defer c.breakers.Release(domain)

	dec := c.robots.Check(ctx, rawURL, "")
	if !dec.Allowed {
		log.Info().Str("url", rawURL).Str("reason", dec.Reason).Msg("URL disallowed by robots.txt")
		return &types.Result{URL: rawURL, RobotsSkip: true, ScrapedAt: time.Now().UTC()}, nil
	}
	if _, err := c.robots.ApplyCrawlDelay(ctx, domain, dec.UAUsed); err != nil {
		return nil, err
	}

	ua := c.ua.NextMandatory(domain)

	desc, err := c.proxies.Acquire(c.cfg.ProxyRequirements)
	if err != nil {
		c.recordFailure(domain, string(types.KindProxyError))
		return nil, err
	}

	captchaRetried := false
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		headers, cookies := c.sessionState(domain)

		start := time.Now()
		resp, err := c.attempt(ctx, method, rawURL, ua, desc.URL, headers, cookies)
		if err != nil {
			kind := types.ClassifyKind(err)
			if errors.Is(err, types.ErrContextCanceled) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			c.ua.Observe(ua, false, time.Since(start), domain)
			c.proxies.MarkFailure(desc.URL, kind)
			c.recordFailure(domain, string(kind))
			desc, err = c.nextAttempt(ctx, domain, attempt, kind)
			if err != nil {
				lastErr = err
				break
			}
			continue
		}

		if resp.Status == http.StatusNotFound {
			// Terminal: the URL is gone, no proxy or retry will change it.
			c.recordFailure(domain, string(types.KindNotFound))
			return nil, types.NewNotFoundError(rawURL)
		}

		vres := c.validate.Validate(resp.Body, domain)
		if vres.IsValid && resp.Status >= 400 {
			// The status outranks a plausible body: a 429 or 500 is a
			// failure no matter what the origin rendered around it.
			vres.IsValid = false
		}
		if vres.IsValid {
			c.ua.Observe(ua, true, resp.Duration, domain)
			c.proxies.MarkSuccess(desc.URL, resp.Duration, resp.Body, attempt > 0)
			c.storeSession(domain, ua, resp.Cookies)
			if c.domains != nil {
				c.domains.RecordSuccess(domain, resp.Duration)
			}
			c.breakers.Success(domain)
			return &types.Result{
				URL:       rawURL,
				Status:    resp.Status,
				Body:      resp.Body,
				Headers:   resp.Headers,
				Cookies:   resp.Cookies,
				ProxyURL:  desc.URL,
				UserAgent: ua,
				Attempts:  attempt + 1,
				Duration:  resp.Duration,
				ScrapedAt: time.Now().UTC(),
				FinalURL:  resp.FinalURL,
			}, nil
		}

		blockType := string(vres.BlockType)
		if blockType == "" {
			blockType = string(httpx.KindForStatus(resp.Status))
		}
		metrics.BlocksDetected.WithLabelValues(blockType).Inc()
		log.Debug().Str("url", rawURL).Str("block_type", blockType).Int("status", resp.Status).
			Float64("quality", vres.QualityScore).Int("attempt", attempt).Msg("Response failed validation")

		if c.shouldEscalate(domain, vres, resp.Status, resp.Body) {
			if result, ok := c.escalate(ctx, method, rawURL, domain, ua, desc.URL, headers, cookies, attempt); ok {
				return result, nil
			}
		}

		if vres.BlockType == validator.BlockCaptcha && !captchaRetried && c.captcha != nil && c.captcha.Enabled() {
			captchaRetried = true
			if c.solveCaptchaInline(ctx, resp.Body, rawURL, domain, desc.URL, ua) {
				continue // retry the same URL once with the token attached
			}
		}

		kind := kindForBlock(vres.BlockType, resp.Status)
		lastErr = types.NewFetchError(kind, rawURL, resp.Status, "blocked response: "+blockType, nil)
		c.ua.Observe(ua, false, resp.Duration, domain)
		c.proxies.MarkFailure(desc.URL, kind)
		c.recordFailure(domain, blockType)

		desc, err = c.nextAttempt(ctx, domain, attempt, kind)
		if err != nil {
			lastErr = err
			break
		}
	}

	c.breakers.Failure(domain)
	if lastErr == nil {
		lastErr = types.NewFetchError(types.KindUnknown, rawURL, 0, "attempts exhausted", nil)
	}
	return nil, lastErr
}

// Preflight probes the domain root without proxies or identity rotation.
// Status < 500 counts as healthy. The verdict is advisory.
func (c *Coordinator) Preflight(ctx context.Context, domain string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	for _, scheme := range []string{"https", "http"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+domain+"/", nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		healthy := resp.StatusCode < 500
		log.Info().Str("domain", domain).Int("status", resp.StatusCode).Bool("healthy", healthy).Msg("Preflight probe")
		return healthy
	}
	log.Warn().Str("domain", domain).Msg("Preflight probe unreachable")
	return false
}

// attempt performs one proxied HTTP request.
func (c *Coordinator) attempt(ctx context.Context, method, rawURL, ua, proxyURL string, headers, cookies map[string]string) (*httpx.Response, error) {
	client, err := c.newClient(c.cfg.HTTP, proxyURL)
	if err != nil {
		return nil, types.NewFetchError(types.KindProxyError, rawURL, 0, "proxy client build failed", err)
	}
	return httpx.Do(ctx, client, method, rawURL, ua, headers, cookies, nil)
}

// nextAttempt consults backoff, sleeps, and acquires a replacement proxy.
func (c *Coordinator) nextAttempt(ctx context.Context, domain string, attempt int, kind types.Kind) (*proxy.Descriptor, error) {
	if kind.Terminal() {
		return nil, types.NewFetchError(kind, "", 0, "terminal failure", nil)
	}
	if !c.backoff.ShouldRetry(domain, attempt+1, kind) {
		return nil, types.NewFetchError(kind, "", 0, "retry budget exhausted", nil)
	}
	if err := c.wait(ctx, domain, attempt+1, kind); err != nil {
		return nil, err
	}
	desc, err := c.proxies.Acquire(c.cfg.ProxyRequirements)
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// shouldEscalate applies the challenge-solver trigger conditions.
func (c *Coordinator) shouldEscalate(domain string, vres validator.Result, status int, body string) bool {
	if c.solver == nil || !c.solver.Enabled() {
		return false
	}

	triggered := false
	switch vres.BlockType {
	case validator.BlockBotDetection, validator.BlockCaptcha, validator.BlockRateLimit:
		triggered = true
	}
	if !triggered && c.validate.LooksLikeGuardHTML(body) {
		triggered = true
	}
	if !triggered && (status == http.StatusForbidden || status == http.StatusTooManyRequests) {
		if !c.cfg.DomainOverrides[domain].SuppressStatusEscalation {
			triggered = true
		}
	}
	if !triggered {
		return false
	}
	if err := c.budget.Acquire(domain); err != nil {
		log.Debug().Str("domain", domain).Msg("Escalation suppressed, bypass budget spent")
		return false
	}
	return true
}

// escalate routes the request through the challenge solver. Solved HTML
// passes through the same validation path; the session is updated from
// the solved cookies.
func (c *Coordinator) escalate(ctx context.Context, method, rawURL, domain, ua, proxyURL string, headers, cookies map[string]string, attempt int) (*types.Result, bool) {
	solved, err := c.solver.Solve(ctx, method, rawURL, headers, "", cookies, proxyURL, domain)
	if err != nil {
		metrics.SolverEscalations.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("url", rawURL).Msg("Challenge solver escalation failed")
		return nil, false
	}

	vres := c.validate.Validate(solved.HTML, domain)
	if !vres.IsValid {
		metrics.SolverEscalations.WithLabelValues("still_blocked").Inc()
		log.Warn().Str("url", rawURL).Str("block_type", string(vres.BlockType)).Msg("Solved page still failed validation")
		return nil, false
	}
	if !matchesRequiredSelectors(solved.HTML, c.cfg.DomainOverrides[domain].RequiredSelectors) {
		metrics.SolverEscalations.WithLabelValues("still_blocked").Inc()
		log.Warn().Str("url", rawURL).Str("domain", domain).Msg("Solved page missing required selectors")
		return nil, false
	}
	metrics.SolverEscalations.WithLabelValues("solved").Inc()

	c.storeSession(domain, solved.UserAgent, solved.Cookies)
	if c.domains != nil {
		c.domains.RecordSuccess(domain, solved.ResponseTime)
	}
	c.breakers.Success(domain)
	c.budget.Reset(domain)

	finalUA := solved.UserAgent
	if finalUA == "" {
		finalUA = ua
	}
	return &types.Result{
		URL:       rawURL,
		Status:    solved.Status,
		Body:      solved.HTML,
		Headers:   solved.Headers,
		Cookies:   solved.Cookies,
		ProxyURL:  proxyURL,
		UserAgent: finalUA,
		Attempts:  attempt + 1,
		Solver:    true,
		Duration:  solved.ResponseTime,
		ScrapedAt: time.Now().UTC(),
		FinalURL:  solved.FinalURL,
	}, true
}

// solveCaptchaInline solves a page-level CAPTCHA and stores the token in
// the session so the retry carries it.
func (c *Coordinator) solveCaptchaInline(ctx context.Context, body, rawURL, domain, proxyURL, ua string) bool {
	det, token, err := c.captcha.DetectAndSolve(ctx, body, rawURL, proxyURL, ua)
	if err != nil {
		log.Warn().Err(err).Str("url", rawURL).Msg("Inline captcha solve failed")
		return false
	}
	if c.sessions != nil {
		cookieName := captchaTokenCookie(det.Type)
		if err := c.sessions.Update(domain, session.Update{Cookies: map[string]string{cookieName: token}}); err != nil {
			log.Warn().Err(err).Str("domain", domain).Msg("Could not persist captcha token")
		}
	}
	metrics.CaptchasSolved.WithLabelValues(string(det.Type)).Inc()
	metrics.CaptchaSpend.Set(c.captcha.DailySpend())
	log.Info().Str("url", rawURL).Str("type", string(det.Type)).Msg("Captcha solved, retrying with token")
	return true
}

// sessionState loads the domain's saved headers and cookies, if any.
func (c *Coordinator) sessionState(domain string) (headers, cookies map[string]string) {
	if c.sessions == nil {
		return nil, nil
	}
	rec, err := c.sessions.Load(domain)
	if err != nil {
		return nil, nil
	}
	return rec.Headers, rec.Cookies
}

// storeSession merges fresh response cookies into the domain session.
func (c *Coordinator) storeSession(domain, ua string, cookies map[string]string) {
	if c.sessions == nil || len(cookies) == 0 {
		return
	}
	u := session.Update{Cookies: cookies}
	if ua != "" {
		u.UserAgent = &ua
	}
	if err := c.sessions.Update(domain, u); err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("Session update failed")
	}
}

func (c *Coordinator) recordFailure(domain, blockType string) {
	if c.domains != nil {
		c.domains.RecordFailure(domain, blockType)
	}
}

// kindForBlock maps a validation block classification onto the error
// taxonomy used by backoff strategies.
func kindForBlock(bt validator.BlockType, status int) types.Kind {
	switch bt {
	case validator.BlockCaptcha:
		return types.KindCaptcha
	case validator.BlockRateLimit:
		return types.KindRateLimit
	case validator.BlockBotDetection:
		return types.KindBlocked
	case validator.BlockSilent:
		return types.KindSilentBlock
	case validator.BlockHTTPError:
		return types.KindHTTP5xx
	}
	if status >= 400 {
		return httpx.KindForStatus(status)
	}
	return types.KindUnknown
}

// matchesRequiredSelectors reports whether the body contains at least one
// of the configured selectors. An empty list always matches; so does an
// unparseable body, leaving the verdict to content validation.
func matchesRequiredSelectors(body string, selectors []string) bool {
	if len(selectors) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// captchaTokenCookie names the cookie the retry carries per CAPTCHA type.
func captchaTokenCookie(t captcha.Type) string {
	switch t {
	case captcha.TypeHCaptcha:
		return "h-captcha-response"
	case captcha.TypeImage:
		return "captcha-solution"
	default:
		return "g-recaptcha-response"
	}
}

// ExtractDomain returns the hostname for a raw URL, or empty when it
// cannot be parsed.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return u.Hostname()
}
