package proxy

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/backoff"
	"github.com/Rorqualx/harvester/internal/httpx"
	"github.com/Rorqualx/harvester/internal/metrics"
	"github.com/Rorqualx/harvester/internal/types"
)

// Selection strategies.
const (
	StrategyIntelligent = "intelligent"
	StrategyRoundRobin  = "round_robin"
)

// RotatorConfig tunes pool behaviour.
type RotatorConfig struct {
	Strategy            string
	MaxTotalRequests    int64 // load normalization for the selection score
	MinHealthy          int
	TargetPoolSize      int
	HealthCheckInterval time.Duration
	BurnedRetention     time.Duration
	Concurrency         int // worker count, used for autoscale recommendations
	SafetyFactor        float64
	TargetSuccessRate   float64
	MinPoolSize         int
	MaxPoolSize         int
}

// DefaultRotatorConfig returns the standard pool settings.
func DefaultRotatorConfig() RotatorConfig {
	return RotatorConfig{
		Strategy:            StrategyIntelligent,
		MaxTotalRequests:    1000,
		MinHealthy:          2,
		TargetPoolSize:      5,
		HealthCheckInterval: 5 * time.Minute,
		BurnedRetention:     12 * time.Hour,
		Concurrency:         32,
		SafetyFactor:        1.5,
		TargetSuccessRate:   0.7,
		MinPoolSize:         3,
		MaxPoolSize:         50,
	}
}

// entry pairs a descriptor with its stats; the rotator is the single
// owner of both.
type entry struct {
	desc  *Descriptor
	stats *Stats
}

// BodyValidator retroactively checks a successful body; an invalid body
// converts the success into a failure.
type BodyValidator func(body string) bool

// Rotator owns the mutable proxy pool. All mutation goes through its
// methods under one lock, so a proxy can never be burned and selected in
// the same window.
type Rotator struct {
	cfg      RotatorConfig
	backoff  *backoff.Engine
	health   *HealthChecker
	premium  *PremiumManager // nil when no provider is configured
	validate BodyValidator   // nil disables retroactive validation

	mu        sync.Mutex
	pool      map[string]*entry
	order     []string // insertion order for round-robin
	rrIdx     int
	replacing map[string]struct{}

	rng *rand.Rand
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRotator builds a rotator over the given static proxies. premium may
// be nil; validate may be nil.
func NewRotator(cfg RotatorConfig, engine *backoff.Engine, health *HealthChecker, premium *PremiumManager, validate BodyValidator, staticProxies []string) (*Rotator, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyIntelligent
	}
	if cfg.MaxTotalRequests <= 0 {
		cfg.MaxTotalRequests = 1000
	}
	if engine == nil {
		engine = backoff.NewEngine(backoff.DefaultConfig())
	}
	if health == nil {
		health = NewHealthChecker(DefaultHealthConfig())
	}

	r := &Rotator{
		cfg:       cfg,
		backoff:   engine,
		health:    health,
		premium:   premium,
		validate:  validate,
		pool:      make(map[string]*entry),
		replacing: make(map[string]struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, raw := range staticProxies {
		d, err := ParseDescriptor(raw)
		if err != nil {
			return nil, err
		}
		r.addLocked(d)
	}
	return r, nil
}

// Acquire returns the best available proxy matching req. Burned proxies
// and proxies with an open circuit are never returned.
func (r *Rotator) Acquire(req Requirements) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.eligibleLocked(req)
	if len(candidates) == 0 {
		return nil, types.ErrPoolExhausted
	}

	var chosen *entry
	if r.cfg.Strategy == StrategyRoundRobin || !r.hasMetricsLocked(candidates) {
		chosen = r.pickRoundRobinLocked(candidates)
	} else {
		chosen = r.pickIntelligentLocked(candidates)
	}

	return chosen.desc, nil
}

// MarkSuccess records a successful request through the proxy. When a body
// is supplied and the validator rejects it, the success converts into a
// failure with reason invalid_content.
func (r *Rotator) MarkSuccess(proxyURL string, responseTime time.Duration, body string, isRetry bool) {
	if r.validate != nil && body != "" && !r.validate(body) {
		log.Debug().Str("proxy", httpx.Redact(proxyURL)).Msg("Body failed validation, converting success to failure")
		r.MarkFailure(proxyURL, types.KindSilentBlock)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pool[proxyURL]
	if !ok {
		return
	}
	e.stats.recordSuccess(responseTime, isRetry, r.now())
	r.backoff.TrackSuccess(proxyURL)
}

// MarkFailure records a failed request. Categorical failures (blocked,
// captcha, authentication) burn the proxy outright; otherwise the burn
// conditions decide.
func (r *Rotator) MarkFailure(proxyURL string, kind types.Kind) {
	r.mu.Lock()
	e, ok := r.pool[proxyURL]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.stats.recordFailure(string(kind), false, r.now())
	r.backoff.TrackFailure(proxyURL, kind)

	burn := kind.BurnsProxy()
	reason := string(kind)
	if !burn {
		burn, reason = r.health.ShouldBurn(e.stats)
	}
	if burn && !e.stats.Burned {
		r.burnLocked(e, reason)
		r.mu.Unlock()
		r.replaceAsync(proxyURL)
		return
	}
	r.mu.Unlock()
}

// MarkBurned flags the proxy as permanently unusable and schedules an
// async replacement.
func (r *Rotator) MarkBurned(proxyURL, reason string) {
	r.mu.Lock()
	e, ok := r.pool[proxyURL]
	if !ok || e.stats.Burned {
		r.mu.Unlock()
		return
	}
	r.burnLocked(e, reason)
	r.mu.Unlock()
	r.replaceAsync(proxyURL)
}

// Add inserts a proxy into the pool; duplicates by URL are ignored.
func (r *Rotator) Add(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(d)
}

// HealthyCount reports how many proxies are currently selectable.
func (r *Rotator) HealthyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eligibleLocked(Requirements{}))
}

// PoolSize reports the total pool size including burned proxies.
func (r *Rotator) PoolSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// StatsFor returns a snapshot of a proxy's stats, or nil when unknown.
func (r *Rotator) StatsFor(proxyURL string) *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pool[proxyURL]
	if !ok {
		return nil
	}
	cp := *e.stats
	cp.responseTimes = append([]time.Duration(nil), e.stats.responseTimes...)
	cp.recentReasons = append([]string(nil), e.stats.recentReasons...)
	cp.recentOutcomes = append([]bool(nil), e.stats.recentOutcomes...)
	return &cp
}

// Run starts the background maintenance loop and blocks until Stop.
func (r *Rotator) Run(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.maintain(ctx)
		}
	}
}

// Stop terminates the background loop.
func (r *Rotator) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// maintain runs one maintenance cycle: probe health, apply burns, refresh
// when the pool is low, prune stale state.
func (r *Rotator) maintain(ctx context.Context) {
	r.mu.Lock()
	active := make([]*Descriptor, 0, len(r.pool))
	for _, e := range r.pool {
		if !e.stats.Burned {
			active = append(active, e.desc)
		}
	}
	r.mu.Unlock()

	probeResults := r.health.CheckAll(ctx, active)

	r.mu.Lock()
	for urlKey, probes := range probeResults {
		e, ok := r.pool[urlKey]
		if !ok {
			continue
		}
		for _, p := range probes {
			e.stats.ProbeCount++
			if p.Success {
				e.stats.SuccessfulProbe++
			}
		}
		if burn, reason := r.health.ShouldBurn(e.stats); burn && !e.stats.Burned {
			r.burnLocked(e, reason)
		}
	}
	r.pruneBurnedLocked()
	healthy := len(r.eligibleLocked(Requirements{}))
	size := len(r.pool)
	r.mu.Unlock()

	metrics.UpdatePoolMetrics(size, healthy)
	r.backoff.PruneStale()

	if healthy < r.cfg.MinHealthy {
		log.Warn().Int("healthy", healthy).Int("min", r.cfg.MinHealthy).Msg("Healthy proxy count low, running emergency refresh")
		r.EmergencyRefresh(ctx)
	}

	if r.premium != nil {
		target := AutoscaleRecommendation(r.cfg.Concurrency, r.cfg.SafetyFactor, r.cfg.TargetSuccessRate, r.cfg.MinPoolSize, r.cfg.MaxPoolSize)
		if target > r.cfg.TargetPoolSize {
			log.Debug().Int("target", target).Msg("Autoscale recommends a larger proxy pool")
		}
		if _, err := r.premium.EnsureMinProxyPool(ctx, r.cfg.TargetPoolSize, healthy); err != nil {
			log.Debug().Err(err).Msg("Proxy pool top-up skipped")
		}
	}
}

// EmergencyRefresh resets half of the failed (not burned) proxies and
// forces a premium list refresh.
func (r *Rotator) EmergencyRefresh(ctx context.Context) {
	r.mu.Lock()
	failed := make([]*entry, 0)
	for _, e := range r.pool {
		if !e.stats.Burned && e.stats.ConsecutiveFailures > 0 {
			failed = append(failed, e)
		}
	}
	for i, e := range failed {
		if i >= (len(failed)+1)/2 {
			break
		}
		e.stats.ConsecutiveFailures = 0
		r.backoff.Forget(e.desc.URL)
	}
	r.mu.Unlock()

	if r.premium == nil {
		return
	}
	fresh, err := r.premium.Refresh(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Emergency premium refresh failed")
		return
	}
	r.mu.Lock()
	for _, d := range fresh {
		r.addLocked(d)
	}
	r.mu.Unlock()
}

// replaceAsync fetches a replacement from the premium provider in the
// background. The replacing set prevents duplicate tasks per proxy.
func (r *Rotator) replaceAsync(burnedURL string) {
	if r.premium == nil {
		return
	}
	r.mu.Lock()
	if _, busy := r.replacing[burnedURL]; busy {
		r.mu.Unlock()
		return
	}
	r.replacing[burnedURL] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.replacing, burnedURL)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fresh, err := r.premium.ActiveProxies(ctx)
		if err != nil {
			log.Warn().Err(err).Str("burned", httpx.Redact(burnedURL)).Msg("Replacement fetch failed")
			return
		}

		r.mu.Lock()
		added := 0
		for _, d := range fresh {
			if _, exists := r.pool[d.URL]; !exists {
				r.addLocked(d)
				added++
			}
		}
		r.mu.Unlock()
		if added > 0 {
			log.Info().Int("added", added).Str("burned", httpx.Redact(burnedURL)).Msg("Installed replacement proxies")
		}
	}()
}

func (r *Rotator) addLocked(d *Descriptor) {
	if _, exists := r.pool[d.URL]; exists {
		return
	}
	r.pool[d.URL] = &entry{desc: d, stats: &Stats{}}
	r.order = append(r.order, d.URL)
}

func (r *Rotator) burnLocked(e *entry, reason string) {
	e.stats.Burned = true
	e.stats.BurnReason = reason
	e.stats.BurnedAt = r.now()
	metrics.ProxiesBurned.WithLabelValues(reason).Inc()
	log.Warn().Str("proxy", httpx.Redact(e.desc.URL)).Str("reason", reason).Msg("Proxy burned")
}

// pruneBurnedLocked drops burned proxies past the retention window.
func (r *Rotator) pruneBurnedLocked() {
	if r.cfg.BurnedRetention <= 0 {
		return
	}
	cutoff := r.now().Add(-r.cfg.BurnedRetention)
	for urlKey, e := range r.pool {
		if e.stats.Burned && e.stats.BurnedAt.Before(cutoff) {
			delete(r.pool, urlKey)
			for i, o := range r.order {
				if o == urlKey {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		}
	}
}

func (r *Rotator) eligibleLocked(req Requirements) []*entry {
	now := r.now()
	out := make([]*entry, 0, len(r.pool))
	for _, urlKey := range r.order {
		e, ok := r.pool[urlKey]
		if !ok {
			continue
		}
		if e.stats.Burned || e.desc.Expired(now) {
			continue
		}
		if !r.backoff.IsHealthy(urlKey) {
			continue
		}
		if !req.Matches(e.desc) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *Rotator) hasMetricsLocked(candidates []*entry) bool {
	for _, e := range candidates {
		if e.stats.TotalRequests > 0 {
			return true
		}
	}
	return false
}

// pickIntelligentLocked scores candidates by health, retry success, load
// headroom and a random component, and picks the best.
func (r *Rotator) pickIntelligentLocked(candidates []*entry) *entry {
	var best *entry
	bestScore := -1.0
	for _, e := range candidates {
		load := float64(e.stats.TotalRequests) / float64(r.cfg.MaxTotalRequests)
		if load > 1 {
			load = 1
		}
		score := 0.4*e.stats.HealthScore() +
			0.3*e.stats.RetrySuccessRate() +
			0.2*(1-load) +
			0.1*r.rng.Float64()
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	return best
}

func (r *Rotator) pickRoundRobinLocked(candidates []*entry) *entry {
	e := candidates[r.rrIdx%len(candidates)]
	r.rrIdx++
	return e
}
