// Package backoff provides typed-error retry policies with per-identifier
// circuit breakers. Identifiers are typically proxy URLs or domains.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// failureRingCap bounds the recent-failure-kind ring per identifier.
const failureRingCap = 20

// Strategy describes the retry policy for one failure kind.
type Strategy struct {
	MaxAttempts int
	Multiplier  float64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// defaultStrategies maps each failure kind to its retry policy.
// Kinds with MaxAttempts 1 and zero base delay are rotate-or-surface kinds.
var defaultStrategies = map[types.Kind]Strategy{
	types.KindTimeout:        {MaxAttempts: 3, Multiplier: 1.5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second},
	types.KindRateLimit:      {MaxAttempts: 5, Multiplier: 3.0, BaseDelay: 10 * time.Second, MaxDelay: 5 * time.Minute},
	types.KindCaptcha:        {MaxAttempts: 2, Multiplier: 5.0, BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute},
	types.KindBlocked:        {MaxAttempts: 1, Multiplier: 1.0, BaseDelay: 0, MaxDelay: 0},
	types.KindNetwork:        {MaxAttempts: 4, Multiplier: 2.0, BaseDelay: 1 * time.Second, MaxDelay: 60 * time.Second},
	types.KindHTTP5xx:        {MaxAttempts: 3, Multiplier: 2.0, BaseDelay: 5 * time.Second, MaxDelay: 2 * time.Minute},
	types.KindHTTP4xx:        {MaxAttempts: 1, Multiplier: 1.0, BaseDelay: 0, MaxDelay: 0},
	types.KindProxyError:     {MaxAttempts: 2, Multiplier: 1.5, BaseDelay: 3 * time.Second, MaxDelay: 60 * time.Second},
	types.KindAuthentication: {MaxAttempts: 1, Multiplier: 1.0, BaseDelay: 0, MaxDelay: 0},
	types.KindSilentBlock:    {MaxAttempts: 2, Multiplier: 2.0, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second},
	types.KindUnknown:        {MaxAttempts: 2, Multiplier: 2.0, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second},
}

// CircuitState is the breaker position for one identifier.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// RetryState holds the retry and breaker bookkeeping for one identifier.
type RetryState struct {
	AttemptCount        int
	SuccessCount        int
	ConsecutiveFailures int

	FirstFailure time.Time
	LastFailure  time.Time
	LastSuccess  time.Time
	lastTouched  time.Time

	recentKinds []types.Kind // ring, cap failureRingCap

	Circuit          CircuitState
	OpenedAt         time.Time
	HalfOpenAttempts int
}

// successRate returns the observed success rate, or -1 with no attempts.
func (s *RetryState) successRate() float64 {
	if s.AttemptCount == 0 {
		return -1
	}
	return float64(s.SuccessCount) / float64(s.AttemptCount)
}

// Config tunes the engine.
type Config struct {
	FailureThreshold    int           // consecutive failures before the circuit opens
	CircuitTimeout      time.Duration // open duration before half-open probes
	MaxHalfOpenAttempts int           // probes admitted while half-open
	JitterMin           float64       // lower jitter factor bound
	JitterMax           float64       // upper jitter factor bound
	StateRetention      time.Duration // prune states untouched for this long
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		CircuitTimeout:      2 * time.Minute,
		MaxHalfOpenAttempts: 1,
		JitterMin:           1.1,
		JitterMax:           1.5,
		StateRetention:      6 * time.Hour,
	}
}

// Engine computes retry decisions and delays, and tracks per-identifier
// circuit breakers. All methods are safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	states     map[string]*RetryState
	strategies map[types.Kind]Strategy
	cfg        Config

	// now is replaceable for tests.
	now func() time.Time
}

// NewEngine creates a backoff engine with the default strategy table.
func NewEngine(cfg Config) *Engine {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = 2 * time.Minute
	}
	if cfg.MaxHalfOpenAttempts <= 0 {
		cfg.MaxHalfOpenAttempts = 1
	}
	if cfg.JitterMin <= 0 || cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMin, cfg.JitterMax = 1.1, 1.5
	}
	if cfg.StateRetention <= 0 {
		cfg.StateRetention = 6 * time.Hour
	}
	strategies := make(map[types.Kind]Strategy, len(defaultStrategies))
	for k, v := range defaultStrategies {
		strategies[k] = v
	}
	return &Engine{
		states:     make(map[string]*RetryState),
		strategies: strategies,
		cfg:        cfg,
		now:        time.Now,
	}
}

// StrategyFor returns the policy for a failure kind, falling back to unknown.
func (e *Engine) StrategyFor(kind types.Kind) Strategy {
	if s, ok := e.strategies[kind]; ok {
		return s
	}
	return e.strategies[types.KindUnknown]
}

// getOrCreate returns the state for id. Caller must hold e.mu.
func (e *Engine) getOrCreate(id string) *RetryState {
	st, ok := e.states[id]
	if !ok {
		st = &RetryState{Circuit: CircuitClosed}
		e.states[id] = st
	}
	st.lastTouched = e.now()
	return st
}

// ShouldRetry reports whether attempt number attempt (0-based) for id may be
// retried after a failure of the given kind.
func (e *Engine) ShouldRetry(id string, attempt int, kind types.Kind) bool {
	switch kind {
	case types.KindBlocked, types.KindAuthentication, types.KindNotFound:
		return false
	case types.KindCaptcha:
		return attempt < 2 && !e.circuitOpen(id)
	}
	strategy := e.StrategyFor(kind)
	if attempt >= strategy.MaxAttempts {
		return false
	}
	return !e.circuitOpen(id)
}

// circuitOpen reports whether the breaker for id currently rejects probes,
// transitioning open circuits to half-open when the timeout has elapsed.
func (e *Engine) circuitOpen(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[id]
	if !ok {
		return false
	}
	return e.refreshCircuitLocked(id, st) == CircuitOpen
}

// refreshCircuitLocked advances the breaker state machine for st and returns
// the current state. Caller must hold e.mu.
func (e *Engine) refreshCircuitLocked(id string, st *RetryState) CircuitState {
	if st.Circuit == CircuitOpen && e.now().Sub(st.OpenedAt) >= e.cfg.CircuitTimeout {
		st.Circuit = CircuitHalfOpen
		st.HalfOpenAttempts = 0
		log.Debug().Str("id", id).Msg("Circuit breaker half-open")
	}
	return st.Circuit
}

// Delay computes the backoff delay before retry number attempt (0-based) for
// a failure of the given kind, including jitter and adaptive scaling from
// the identifier's success rate.
func (e *Engine) Delay(id string, attempt int, kind types.Kind) time.Duration {
	strategy := e.StrategyFor(kind)
	if strategy.BaseDelay == 0 {
		return 0
	}

	base := float64(strategy.BaseDelay) * math.Pow(strategy.Multiplier, float64(attempt))
	if strategy.MaxDelay > 0 && base > float64(strategy.MaxDelay) {
		base = float64(strategy.MaxDelay)
	}

	// Jitter factor uniform in [JitterMin, JitterMax].
	jitter := e.cfg.JitterMin + rand.Float64()*(e.cfg.JitterMax-e.cfg.JitterMin)
	base *= jitter

	// Adaptive scaling: struggling identifiers back off harder, strong
	// identifiers recover faster.
	e.mu.Lock()
	if st, ok := e.states[id]; ok {
		switch rate := st.successRate(); {
		case rate >= 0 && rate < 0.3:
			base *= 1.5
		case rate > 0.8:
			base *= 0.8
		}
	}
	e.mu.Unlock()

	return time.Duration(base)
}

// Wait sleeps for the computed backoff delay, returning early on context
// cancellation.
func (e *Engine) Wait(ctx context.Context, id string, attempt int, kind types.Kind) error {
	d := e.Delay(id, attempt, kind)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TrackSuccess records a successful attempt for id. It always resets the
// consecutive failure count and closes a half-open circuit.
func (e *Engine) TrackSuccess(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.getOrCreate(id)
	st.AttemptCount++
	st.SuccessCount++
	st.ConsecutiveFailures = 0
	st.LastSuccess = e.now()

	if st.Circuit != CircuitClosed {
		log.Info().Str("id", id).Str("from", string(st.Circuit)).Msg("Circuit breaker closed after success")
	}
	st.Circuit = CircuitClosed
	st.HalfOpenAttempts = 0
	st.OpenedAt = time.Time{}
}

// TrackFailure records a failed attempt of the given kind for id, opening
// the circuit when the consecutive-failure threshold is crossed.
func (e *Engine) TrackFailure(id string, kind types.Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.getOrCreate(id)
	now := e.now()
	st.AttemptCount++
	st.ConsecutiveFailures++
	if st.FirstFailure.IsZero() {
		st.FirstFailure = now
	}
	st.LastFailure = now

	st.recentKinds = append(st.recentKinds, kind)
	if len(st.recentKinds) > failureRingCap {
		st.recentKinds = st.recentKinds[len(st.recentKinds)-failureRingCap:]
	}

	switch st.Circuit {
	case CircuitHalfOpen:
		// A failed probe reopens the circuit immediately.
		st.Circuit = CircuitOpen
		st.OpenedAt = now
		log.Warn().Str("id", id).Msg("Half-open probe failed, circuit reopened")
	case CircuitClosed:
		if st.ConsecutiveFailures >= e.cfg.FailureThreshold {
			st.Circuit = CircuitOpen
			st.OpenedAt = now
			log.Warn().
				Str("id", id).
				Int("consecutive_failures", st.ConsecutiveFailures).
				Str("kind", string(kind)).
				Msg("Circuit breaker opened")
		}
	}
}

// AdmitProbe reports whether a half-open circuit for id can admit one more
// probe, consuming a probe slot when it can. Closed circuits always admit.
func (e *Engine) AdmitProbe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[id]
	if !ok {
		return true
	}
	switch e.refreshCircuitLocked(id, st) {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if st.HalfOpenAttempts >= e.cfg.MaxHalfOpenAttempts {
			return false
		}
		st.HalfOpenAttempts++
		return true
	}
	return true
}

// IsHealthy reports whether id is currently considered usable: circuit not
// open, consecutive failures under threshold, and (once warmed up) a success
// rate of at least 20%.
func (e *Engine) IsHealthy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[id]
	if !ok {
		return true
	}
	if e.refreshCircuitLocked(id, st) == CircuitOpen {
		return false
	}
	if st.ConsecutiveFailures >= e.cfg.FailureThreshold {
		return false
	}
	if st.AttemptCount >= 5 && st.successRate() < 0.2 {
		return false
	}
	return true
}

// SuccessRate returns the observed success rate for id, or -1 when unseen.
func (e *Engine) SuccessRate(id string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return -1
	}
	return st.successRate()
}

// State returns a copy of the retry state for id, or nil when unseen.
func (e *Engine) State(id string) *RetryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return nil
	}
	cp := *st
	cp.recentKinds = append([]types.Kind(nil), st.recentKinds...)
	return &cp
}

// Forget drops all state for id (used when a proxy is removed from the pool).
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, id)
}

// PruneStale removes identifier states untouched for longer than the
// retention window and returns the number removed.
func (e *Engine) PruneStale() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.StateRetention)
	removed := 0
	for id, st := range e.states {
		if st.lastTouched.Before(cutoff) {
			delete(e.states, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(e.states)).Msg("Pruned stale backoff states")
	}
	return removed
}
