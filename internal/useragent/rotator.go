package useragent

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy names accepted by the rotator.
const (
	StrategyIntelligent = "intelligent"
	StrategyWeighted    = "weighted"
	StrategyRandom      = "random"
	StrategySequential  = "sequential"
)

// unseenScore is the weighted-strategy score for a UA with no history.
const unseenScore = 0.5

// Config tunes the rotator.
type Config struct {
	Strategy        string
	Pool            PoolKind
	RefreshInterval time.Duration
	Filter          FilterConfig
}

// DefaultConfig returns the standard rotator settings.
func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyIntelligent,
		Pool:            PoolBrowser,
		RefreshInterval: 24 * time.Hour,
		Filter:          DefaultFilterConfig(),
	}
}

// uaStats tracks effectiveness of one UA string. Averages use online
// update formulas so memory stays constant per UA.
type uaStats struct {
	Requests        int64
	Successes       int64
	AvgResponseTime float64 // seconds
	LastUsed        time.Time
}

func (s *uaStats) successRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Requests)
}

func (s *uaStats) observe(success bool, responseTime time.Duration, now time.Time) {
	s.Requests++
	if success {
		s.Successes++
	}
	// Online mean: avg += (x - avg) / n.
	s.AvgResponseTime += (responseTime.Seconds() - s.AvgResponseTime) / float64(s.Requests)
	s.LastUsed = now
}

// Rotator selects user-agent strings with mandatory rotation: consecutive
// calls never return the same string while the pool has more than one
// entry. Safe for concurrent use.
type Rotator struct {
	cfg Config

	mu        sync.Mutex
	pools     map[PoolKind][]string
	builtAt   time.Time
	lastUA    string
	cursor    map[PoolKind]int
	global    map[string]*uaStats
	perDomain map[string]map[string]*uaStats
	rng       *rand.Rand
	now       func() time.Time
}

// NewRotator builds the pools and returns a ready rotator.
func NewRotator(cfg Config) *Rotator {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyIntelligent
	}
	if cfg.Pool == "" {
		cfg.Pool = PoolBrowser
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 24 * time.Hour
	}
	r := &Rotator{
		cfg:         cfg,
		pools:       buildPools(cfg.Filter),
		cursor:      make(map[PoolKind]int),
		global:      make(map[string]*uaStats),
		perDomain:   make(map[string]map[string]*uaStats),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
	r.builtAt = r.now()
	log.Info().
		Str("strategy", cfg.Strategy).
		Int("browser", len(r.pools[PoolBrowser])).
		Int("mobile", len(r.pools[PoolMobile])).
		Int("bot", len(r.pools[PoolBot])).
		Msg("User agent pools built")
	return r
}

// NextMandatory returns a UA for the domain that differs from the
// previously returned UA whenever the pool holds more than one string.
func (r *Rotator) NextMandatory(domain string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeRefreshLocked()

	pool := r.pools[r.cfg.Pool]
	if len(pool) == 0 {
		return ""
	}
	if len(pool) == 1 {
		r.lastUA = pool[0]
		return pool[0]
	}

	var ua string
	switch r.cfg.Strategy {
	case StrategySequential:
		ua = r.nextSequentialLocked(pool)
	case StrategyRandom:
		ua = r.nextRandomLocked(pool)
	case StrategyWeighted:
		ua = r.nextWeightedLocked(pool, nil)
	default: // intelligent
		ua = r.nextIntelligentLocked(pool, domain)
	}

	r.lastUA = ua
	return ua
}

// Observe records the outcome of a request made with ua against domain.
func (r *Rotator) Observe(ua string, success bool, responseTime time.Duration, domain string) {
	if ua == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.statLocked(r.global, ua).observe(success, responseTime, now)

	if domain != "" {
		m, ok := r.perDomain[domain]
		if !ok {
			m = make(map[string]*uaStats)
			r.perDomain[domain] = m
		}
		r.statLocked(m, ua).observe(success, responseTime, now)
	}
}

// Refresh rebuilds the pools immediately.
func (r *Rotator) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshLocked()
}

// PoolSize reports the size of the active pool.
func (r *Rotator) PoolSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools[r.cfg.Pool])
}

func (r *Rotator) statLocked(m map[string]*uaStats, ua string) *uaStats {
	s, ok := m[ua]
	if !ok {
		s = &uaStats{}
		m[ua] = s
	}
	return s
}

func (r *Rotator) maybeRefreshLocked() {
	if r.now().Sub(r.builtAt) >= r.cfg.RefreshInterval {
		r.refreshLocked()
	}
}

func (r *Rotator) refreshLocked() {
	r.pools = buildPools(r.cfg.Filter)
	r.builtAt = r.now()
	log.Debug().Int("browser", len(r.pools[PoolBrowser])).Msg("User agent pools refreshed")
}

// nextSequentialLocked advances the round-robin cursor, skipping the
// previous UA when the pool allows it.
func (r *Rotator) nextSequentialLocked(pool []string) string {
	for i := 0; i < len(pool); i++ {
		idx := r.cursor[r.cfg.Pool] % len(pool)
		r.cursor[r.cfg.Pool]++
		if pool[idx] != r.lastUA {
			return pool[idx]
		}
	}
	return pool[r.cursor[r.cfg.Pool]%len(pool)]
}

func (r *Rotator) nextRandomLocked(pool []string) string {
	for {
		ua := pool[r.rng.Intn(len(pool))]
		if ua != r.lastUA {
			return ua
		}
	}
}

// nextWeightedLocked scores each candidate by success_rate * (1 + recency)
// and picks the best; unseen UAs score a neutral 0.5 so they still get
// traffic.
func (r *Rotator) nextWeightedLocked(pool []string, domainStats map[string]*uaStats) string {
	now := r.now()
	best, bestScore := "", -1.0
	for _, ua := range pool {
		if ua == r.lastUA {
			continue
		}
		score := unseenScore
		stats := domainStats
		if stats == nil {
			stats = r.global
		}
		if s, ok := stats[ua]; ok && s.Requests > 0 {
			score = s.successRate() * (1 + recencyFactor(now, s.LastUsed))
		}
		// Tiny jitter breaks ties so one UA cannot monopolize traffic.
		score += r.rng.Float64() * 0.01
		if score > bestScore {
			best, bestScore = ua, score
		}
	}
	if best == "" {
		best = pool[r.rng.Intn(len(pool))]
	}
	return best
}

// nextIntelligentLocked prefers the domain's own history and falls back
// to the weighted strategy when the domain is unseen.
func (r *Rotator) nextIntelligentLocked(pool []string, domain string) string {
	stats := r.perDomain[domain]
	if len(stats) == 0 {
		return r.nextWeightedLocked(pool, nil)
	}
	return r.nextWeightedLocked(pool, stats)
}

// recencyFactor decays from 1 (just used) to 0 (a day or more ago).
func recencyFactor(now, lastUsed time.Time) float64 {
	if lastUsed.IsZero() {
		return 0
	}
	age := now.Sub(lastUsed)
	if age < 0 {
		age = 0
	}
	f := 1 - age.Hours()/24
	if f < 0 {
		return 0
	}
	return f
}
