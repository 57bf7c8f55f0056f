package backoff

import (
	"testing"
	"time"

	"github.com/Rorqualx/harvester/internal/types"
)

func newTestEngine(cfg Config) (*Engine, *time.Time) {
	e := NewEngine(cfg)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name    string
		kind    types.Kind
		attempt int
		want    bool
	}{
		{name: "blocked never retries", kind: types.KindBlocked, attempt: 0, want: false},
		{name: "authentication never retries", kind: types.KindAuthentication, attempt: 0, want: false},
		{name: "captcha first attempt", kind: types.KindCaptcha, attempt: 0, want: true},
		{name: "captcha second attempt", kind: types.KindCaptcha, attempt: 1, want: true},
		{name: "captcha third attempt", kind: types.KindCaptcha, attempt: 2, want: false},
		{name: "timeout under cap", kind: types.KindTimeout, attempt: 2, want: true},
		{name: "timeout at cap", kind: types.KindTimeout, attempt: 3, want: false},
		{name: "rate limit under cap", kind: types.KindRateLimit, attempt: 4, want: true},
		{name: "http 4xx no retry", kind: types.KindHTTP4xx, attempt: 1, want: false},
		{name: "network under cap", kind: types.KindNetwork, attempt: 3, want: true},
	}

	e, _ := newTestEngine(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ShouldRetry("http://p1", tt.attempt, tt.kind); got != tt.want {
				t.Errorf("ShouldRetry(%d, %s) = %v, want %v", tt.attempt, tt.kind, got, tt.want)
			}
		})
	}
}

func TestShouldRetryZeroMaxAttempts(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())
	e.strategies[types.KindUnknown] = Strategy{MaxAttempts: 0, Multiplier: 1.0}

	if e.ShouldRetry("id", 0, types.KindUnknown) {
		t.Error("ShouldRetry with zero MaxAttempts should be false for attempt 0")
	}
}

func TestDelayBounds(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())

	// rate_limit: base 10s, multiplier 3.0; attempt 0 with jitter [1.1, 1.5].
	for i := 0; i < 50; i++ {
		d := e.Delay("id", 0, types.KindRateLimit)
		if d < 11*time.Second || d > 15*time.Second {
			t.Fatalf("rate_limit attempt 0 delay = %v, want within [11s, 15s]", d)
		}
	}

	// blocked: no delay at all.
	if d := e.Delay("id", 0, types.KindBlocked); d != 0 {
		t.Errorf("blocked delay = %v, want 0", d)
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())

	// rate_limit attempt 10 greatly exceeds MaxDelay before jitter.
	max := e.StrategyFor(types.KindRateLimit).MaxDelay
	// With jitter up to 1.5 the cap can be exceeded by at most that factor.
	limit := time.Duration(float64(max) * 1.5)
	for i := 0; i < 20; i++ {
		if d := e.Delay("id", 10, types.KindRateLimit); d > limit {
			t.Fatalf("delay %v exceeds jittered cap %v", d, limit)
		}
	}
}

func TestDelayAdaptiveScaling(t *testing.T) {
	e, _ := newTestEngine(DefaultConfig())
	e.cfg.JitterMin, e.cfg.JitterMax = 1.0, 1.0 // remove jitter for determinism

	// Struggling identifier: 1 success out of 10.
	for i := 0; i < 9; i++ {
		e.TrackFailure("weak", types.KindTimeout)
	}
	e.TrackSuccess("weak")

	// Strong identifier: 9 successes out of 10.
	for i := 0; i < 9; i++ {
		e.TrackSuccess("strong")
	}
	e.TrackFailure("strong", types.KindTimeout)

	weak := e.Delay("weak", 0, types.KindTimeout)
	strong := e.Delay("strong", 0, types.KindTimeout)
	base := 2 * time.Second

	if weak != time.Duration(float64(base)*1.5) {
		t.Errorf("weak identifier delay = %v, want %v", weak, time.Duration(float64(base)*1.5))
	}
	if strong != time.Duration(float64(base)*0.8) {
		t.Errorf("strong identifier delay = %v, want %v", strong, time.Duration(float64(base)*0.8))
	}
}

func TestCircuitOpensOnThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	e, _ := newTestEngine(cfg)

	for i := 0; i < 2; i++ {
		e.TrackFailure("p", types.KindNetwork)
	}
	if !e.IsHealthy("p") {
		t.Fatal("identifier should still be healthy before threshold")
	}

	e.TrackFailure("p", types.KindNetwork)
	if e.IsHealthy("p") {
		t.Error("identifier should be unhealthy after circuit opens")
	}
	if e.ShouldRetry("p", 0, types.KindNetwork) {
		t.Error("ShouldRetry must be false while circuit is open")
	}
	if st := e.State("p"); st == nil || st.Circuit != CircuitOpen || st.OpenedAt.IsZero() {
		t.Errorf("unexpected state after open: %+v", st)
	}
}

func TestCircuitHalfOpenTransition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.CircuitTimeout = time.Minute
	e, now := newTestEngine(cfg)

	e.TrackFailure("p", types.KindNetwork)
	e.TrackFailure("p", types.KindNetwork)
	if e.AdmitProbe("p") {
		t.Fatal("open circuit must reject probes before timeout")
	}

	// Advance past the circuit timeout: one half-open probe is admitted.
	*now = now.Add(cfg.CircuitTimeout + time.Second)
	if !e.AdmitProbe("p") {
		t.Fatal("half-open circuit must admit the first probe")
	}
	if e.AdmitProbe("p") {
		t.Fatal("half-open circuit must reject probes beyond MaxHalfOpenAttempts")
	}

	if st := e.State("p"); st.Circuit != CircuitHalfOpen {
		t.Errorf("circuit = %s, want half-open", st.Circuit)
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	e, now := newTestEngine(cfg)

	e.TrackFailure("p", types.KindNetwork)
	e.TrackFailure("p", types.KindNetwork)
	*now = now.Add(cfg.CircuitTimeout + time.Second)
	if !e.AdmitProbe("p") {
		t.Fatal("expected probe admission")
	}

	e.TrackSuccess("p")
	st := e.State("p")
	if st.Circuit != CircuitClosed {
		t.Errorf("circuit = %s after successful probe, want closed", st.Circuit)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	e, now := newTestEngine(cfg)

	e.TrackFailure("p", types.KindNetwork)
	e.TrackFailure("p", types.KindNetwork)
	opened := e.State("p").OpenedAt

	*now = now.Add(cfg.CircuitTimeout + time.Second)
	if !e.AdmitProbe("p") {
		t.Fatal("expected probe admission")
	}
	e.TrackFailure("p", types.KindNetwork)

	st := e.State("p")
	if st.Circuit != CircuitOpen {
		t.Errorf("circuit = %s after failed probe, want open", st.Circuit)
	}
	if !st.OpenedAt.After(opened) {
		t.Error("OpenedAt must be refreshed when the circuit reopens")
	}
}

func TestIsHealthyLowSuccessRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 100 // keep circuit out of the way
	e, _ := newTestEngine(cfg)

	// 1 success, 9 failures: rate 0.1 < 0.2 with >= 5 attempts.
	e.TrackSuccess("p")
	for i := 0; i < 9; i++ {
		e.TrackFailure("p", types.KindTimeout)
	}
	if e.IsHealthy("p") {
		t.Error("identifier with 10% success rate over 10 attempts should be unhealthy")
	}

	// Fewer than 5 attempts: rate filter does not apply.
	e.TrackFailure("q", types.KindTimeout)
	e.TrackFailure("q", types.KindTimeout)
	if !e.IsHealthy("q") {
		t.Error("identifier with under 5 attempts should pass the rate filter")
	}
}

func TestPruneStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateRetention = time.Hour
	e, now := newTestEngine(cfg)

	e.TrackFailure("old", types.KindTimeout)
	*now = now.Add(2 * time.Hour)
	e.TrackFailure("fresh", types.KindTimeout)

	if removed := e.PruneStale(); removed != 1 {
		t.Errorf("PruneStale removed %d, want 1", removed)
	}
	if e.State("old") != nil {
		t.Error("stale state should have been pruned")
	}
	if e.State("fresh") == nil {
		t.Error("fresh state should survive pruning")
	}
}
