package proxy

import (
	"time"
)

const (
	responseTimeWindow  = 100
	failureReasonWindow = 20

	// fastResponseTime is the response time that earns full latency credit
	// in the health score.
	fastResponseTime = 5 * time.Second
)

// Stats aggregates the observed behaviour of one proxy. All access goes
// through the rotator's lock; Stats itself is not synchronized.
type Stats struct {
	TotalRequests       int64
	Successful          int64
	Failed              int64
	ConsecutiveFailures int

	RetryAttempts  int64 // attempts made as a retry after a prior failure
	RetrySuccesses int64

	responseTimes  []time.Duration // ring, cap responseTimeWindow
	recentReasons  []string        // ring, cap failureReasonWindow
	recentOutcomes []bool          // ring, cap failureReasonWindow, true = success

	LastUsed    time.Time
	LastSuccess time.Time
	LastFailure time.Time

	Burned     bool
	BurnReason string
	BurnedAt   time.Time

	// Probe results from the health checker.
	ProbeCount      int
	SuccessfulProbe int
}

// SuccessRate is the lifetime success ratio.
func (s *Stats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.TotalRequests)
}

// RetrySuccessRate is the success ratio of retry attempts; proxies that
// recover requests other proxies failed score higher in selection.
func (s *Stats) RetrySuccessRate() float64 {
	if s.RetryAttempts == 0 {
		return 0.5 // neutral prior for proxies never used as a retry
	}
	return float64(s.RetrySuccesses) / float64(s.RetryAttempts)
}

// AvgResponseTime averages the retained samples.
func (s *Stats) AvgResponseTime() time.Duration {
	if len(s.responseTimes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, rt := range s.responseTimes {
		sum += rt
	}
	return sum / time.Duration(len(s.responseTimes))
}

// Uptime is the success ratio over the recent outcome window, treating an
// unobserved proxy as fully up.
func (s *Stats) Uptime() float64 {
	if len(s.recentOutcomes) == 0 {
		return 1
	}
	up := 0
	for _, ok := range s.recentOutcomes {
		if ok {
			up++
		}
	}
	return float64(up) / float64(len(s.recentOutcomes))
}

// HealthScore combines success rate, latency and recent uptime in [0,1].
// Burned proxies always score zero.
func (s *Stats) HealthScore() float64 {
	if s.Burned {
		return 0
	}
	latency := 1.0
	if avg := s.AvgResponseTime(); avg > 0 {
		latency = float64(fastResponseTime) / float64(avg)
		if latency > 1 {
			latency = 1
		}
	}
	return 0.5*s.SuccessRate() + 0.3*latency + 0.2*s.Uptime()
}

// ProbeScore is the fraction of health-checker probes that succeeded.
func (s *Stats) ProbeScore() float64 {
	if s.ProbeCount == 0 {
		return 1
	}
	return float64(s.SuccessfulProbe) / float64(s.ProbeCount)
}

func (s *Stats) recordSuccess(rt time.Duration, isRetry bool, now time.Time) {
	s.TotalRequests++
	s.Successful++
	s.ConsecutiveFailures = 0
	if isRetry {
		s.RetryAttempts++
		s.RetrySuccesses++
	}
	s.LastUsed = now
	s.LastSuccess = now
	s.pushResponseTime(rt)
	s.pushOutcome(true)
}

func (s *Stats) recordFailure(reason string, isRetry bool, now time.Time) {
	s.TotalRequests++
	s.Failed++
	s.ConsecutiveFailures++
	if isRetry {
		s.RetryAttempts++
	}
	s.LastUsed = now
	s.LastFailure = now
	s.pushReason(reason)
	s.pushOutcome(false)
}

func (s *Stats) pushResponseTime(rt time.Duration) {
	s.responseTimes = append(s.responseTimes, rt)
	if len(s.responseTimes) > responseTimeWindow {
		s.responseTimes = s.responseTimes[len(s.responseTimes)-responseTimeWindow:]
	}
}

func (s *Stats) pushReason(reason string) {
	s.recentReasons = append(s.recentReasons, reason)
	if len(s.recentReasons) > failureReasonWindow {
		s.recentReasons = s.recentReasons[len(s.recentReasons)-failureReasonWindow:]
	}
}

func (s *Stats) pushOutcome(success bool) {
	s.recentOutcomes = append(s.recentOutcomes, success)
	if len(s.recentOutcomes) > failureReasonWindow {
		s.recentOutcomes = s.recentOutcomes[len(s.recentOutcomes)-failureReasonWindow:]
	}
}

// RecentReasons returns a copy of the retained failure reasons.
func (s *Stats) RecentReasons() []string {
	return append([]string(nil), s.recentReasons...)
}
