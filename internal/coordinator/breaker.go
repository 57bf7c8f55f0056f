package coordinator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/metrics"
)

// BreakerState is a domain circuit position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-domain circuit breaker. The domain breaker
// is independent from per-proxy circuits: it guards whole sites that
// have gone hostile or dark.
type BreakerConfig struct {
	FailureThreshold   int           // consecutive failures that open the circuit
	ErrorRateThreshold float64       // recent error rate that opens the circuit
	WindowSize         int           // recent outcomes considered for the rate
	MinObservations    int           // rate is ignored below this many outcomes
	Timeout            time.Duration // open duration before a half-open probe
}

// DefaultBreakerConfig returns the standard breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   20,
		ErrorRateThreshold: 0.8,
		WindowSize:         50,
		MinObservations:    10,
		Timeout:            5 * time.Minute,
	}
}

type breaker struct {
	state               BreakerState
	consecutiveFailures int
	recent              []bool // true = failure
	openedAt            time.Time
	probeInFlight       bool
}

// BreakerSet tracks one circuit per domain. Safe for concurrent use.
type BreakerSet struct {
	cfg BreakerConfig

	mu      sync.Mutex
	domains map[string]*breaker

	now func() time.Time
}

// NewBreakerSet builds the domain circuit set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 20
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.8
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &BreakerSet{
		cfg:     cfg,
		domains: make(map[string]*breaker),
		now:     time.Now,
	}
}

// Allow reports whether a request to domain may proceed. After the open
// timeout one half-open probe is admitted; further requests wait for its
// outcome.
func (b *BreakerSet) Allow(domain string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.getLocked(domain)
	switch br.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(br.openedAt) < b.cfg.Timeout {
			return false
		}
		br.state = BreakerHalfOpen
		br.probeInFlight = true
		metrics.BreakerState.WithLabelValues(domain).Set(2)
		log.Info().Str("domain", domain).Msg("Domain circuit half-open, admitting probe")
		return true
	case BreakerHalfOpen:
		if br.probeInFlight {
			return false
		}
		br.probeInFlight = true
		return true
	}
	return true
}

// Success records a completed request; a half-open probe success closes
// the circuit.
func (b *BreakerSet) Success(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.getLocked(domain)
	br.consecutiveFailures = 0
	b.pushLocked(br, false)
	if br.state != BreakerClosed {
		log.Info().Str("domain", domain).Msg("Domain circuit closed")
	}
	br.state = BreakerClosed
	br.probeInFlight = false
	metrics.BreakerState.WithLabelValues(domain).Set(0)
}

// Failure records a failed request, opening the circuit when thresholds
// are crossed. A half-open probe failure reopens immediately.
func (b *BreakerSet) Failure(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.getLocked(domain)
	br.consecutiveFailures++
	b.pushLocked(br, true)

	if br.state == BreakerHalfOpen {
		br.state = BreakerOpen
		br.openedAt = b.now()
		br.probeInFlight = false
		metrics.BreakerState.WithLabelValues(domain).Set(1)
		log.Warn().Str("domain", domain).Msg("Domain circuit reopened after failed probe")
		return
	}
	if br.state != BreakerClosed {
		return
	}

	// The rate trigger only applies when the window holds at least one
	// success; an unbroken failure run is judged by the consecutive
	// threshold alone.
	openByRun := br.consecutiveFailures >= b.cfg.FailureThreshold
	openByRate := br.consecutiveFailures < len(br.recent) &&
		b.errorRateLocked(br) >= b.cfg.ErrorRateThreshold
	if openByRun || openByRate {
		br.state = BreakerOpen
		br.openedAt = b.now()
		metrics.BreakerState.WithLabelValues(domain).Set(1)
		log.Warn().Str("domain", domain).
			Int("consecutive_failures", br.consecutiveFailures).
			Float64("error_rate", b.errorRateLocked(br)).
			Msg("Domain circuit opened")
	}
}

// Release hands back an unused half-open probe slot. Requests that exit
// before producing an outcome (robots skip, crawl-delay error, no proxy,
// cancellation, terminal status) must release, or the slot stays taken
// and the circuit can never close. No-op after Success or Failure has
// already settled the probe.
func (b *BreakerSet) Release(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br, ok := b.domains[domain]
	if !ok {
		return
	}
	if br.state == BreakerHalfOpen && br.probeInFlight {
		br.probeInFlight = false
	}
}

// State returns the domain's current circuit position.
func (b *BreakerSet) State(domain string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.domains[domain]
	if !ok {
		return BreakerClosed
	}
	if br.state == BreakerOpen && b.now().Sub(br.openedAt) >= b.cfg.Timeout {
		return BreakerHalfOpen
	}
	return br.state
}

func (b *BreakerSet) getLocked(domain string) *breaker {
	br, ok := b.domains[domain]
	if !ok {
		br = &breaker{state: BreakerClosed}
		b.domains[domain] = br
	}
	return br
}

func (b *BreakerSet) pushLocked(br *breaker, failure bool) {
	br.recent = append(br.recent, failure)
	if len(br.recent) > b.cfg.WindowSize {
		br.recent = br.recent[len(br.recent)-b.cfg.WindowSize:]
	}
}

func (b *BreakerSet) errorRateLocked(br *breaker) float64 {
	if len(br.recent) < b.cfg.MinObservations {
		return 0
	}
	failures := 0
	for _, f := range br.recent {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(len(br.recent))
}
