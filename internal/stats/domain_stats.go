// Package stats tracks per-domain acquisition outcomes and derives pacing
// hints from them.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// recentWindow is how many outcomes the per-domain ring retains.
const recentWindow = 50

// maxDomains bounds the tracker; least-recently-updated domains are
// evicted at the cap.
const maxDomains = 2000

// DomainStats aggregates outcomes for one domain. Response time is an
// online mean so memory stays constant.
type DomainStats struct {
	Domain              string
	TotalRequests       int64
	Successes           int64
	Failures            int64
	ConsecutiveFailures int
	BlockCounts         map[string]int64
	AvgResponseTime     float64 // seconds
	LastSuccess         time.Time
	LastFailure         time.Time
	LastUpdated         time.Time

	recent []bool // ring of recent outcomes, true = success
}

// SuccessRate is the lifetime success ratio.
func (d *DomainStats) SuccessRate() float64 {
	if d.TotalRequests == 0 {
		return 0
	}
	return float64(d.Successes) / float64(d.TotalRequests)
}

// RecentErrorRate is the failure ratio over the retained window.
func (d *DomainStats) RecentErrorRate() float64 {
	if len(d.recent) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range d.recent {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(d.recent))
}

// RecentCount reports how many outcomes the window currently holds.
func (d *DomainStats) RecentCount() int {
	return len(d.recent)
}

// Tracker is a concurrency-safe registry of per-domain stats.
type Tracker struct {
	mu      sync.RWMutex
	domains map[string]*DomainStats
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		domains: make(map[string]*DomainStats),
		now:     time.Now,
	}
}

// RecordSuccess records one successful acquisition for domain.
func (t *Tracker) RecordSuccess(domain string, responseTime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.getOrCreateLocked(domain)
	d.TotalRequests++
	d.Successes++
	d.ConsecutiveFailures = 0
	d.AvgResponseTime += (responseTime.Seconds() - d.AvgResponseTime) / float64(d.TotalRequests)
	now := t.now()
	d.LastSuccess = now
	d.LastUpdated = now
	d.pushRecent(true)
}

// RecordFailure records one failed acquisition. blockType may be empty for
// plain transport failures.
func (t *Tracker) RecordFailure(domain, blockType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.getOrCreateLocked(domain)
	d.TotalRequests++
	d.Failures++
	d.ConsecutiveFailures++
	if blockType != "" {
		d.BlockCounts[blockType]++
	}
	now := t.now()
	d.LastFailure = now
	d.LastUpdated = now
	d.pushRecent(false)

	if d.ConsecutiveFailures > 0 && d.ConsecutiveFailures%10 == 0 {
		log.Warn().
			Str("domain", domain).
			Int("consecutive_failures", d.ConsecutiveFailures).
			Float64("recent_error_rate", d.RecentErrorRate()).
			Msg("Domain failing repeatedly")
	}
}

// Get returns a snapshot copy of the domain's stats, or nil when unseen.
func (t *Tracker) Get(domain string) *DomainStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.domains[domain]
	if !ok {
		return nil
	}
	cp := *d
	cp.BlockCounts = make(map[string]int64, len(d.BlockCounts))
	for k, v := range d.BlockCounts {
		cp.BlockCounts[k] = v
	}
	cp.recent = append([]bool(nil), d.recent...)
	return &cp
}

// SuggestedDelay derives a pacing hint from the domain's recent error
// rate: clean domains run at base speed, struggling ones are slowed down.
func (t *Tracker) SuggestedDelay(domain string, base time.Duration) time.Duration {
	t.mu.RLock()
	d, ok := t.domains[domain]
	var rate float64
	var samples int
	if ok {
		rate = d.RecentErrorRate()
		samples = len(d.recent)
	}
	t.mu.RUnlock()

	if !ok || samples < 5 {
		return base
	}
	switch {
	case rate >= 0.6:
		return base * 4
	case rate >= 0.3:
		return base * 2
	default:
		return base
	}
}

// Snapshot returns copies of all tracked domains, most requests first.
func (t *Tracker) Snapshot() []*DomainStats {
	t.mu.RLock()
	out := make([]*DomainStats, 0, len(t.domains))
	for _, d := range t.domains {
		cp := *d
		cp.recent = nil
		cp.BlockCounts = nil
		out = append(out, &cp)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TotalRequests > out[j].TotalRequests })
	return out
}

func (t *Tracker) getOrCreateLocked(domain string) *DomainStats {
	d, ok := t.domains[domain]
	if !ok {
		if len(t.domains) >= maxDomains {
			t.evictOldestLocked()
		}
		d = &DomainStats{
			Domain:      domain,
			BlockCounts: make(map[string]int64),
		}
		t.domains[domain] = d
	}
	return d
}

func (t *Tracker) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for domain, d := range t.domains {
		if oldest == "" || d.LastUpdated.Before(oldestAt) {
			oldest, oldestAt = domain, d.LastUpdated
		}
	}
	if oldest != "" {
		delete(t.domains, oldest)
	}
}

func (d *DomainStats) pushRecent(success bool) {
	d.recent = append(d.recent, success)
	if len(d.recent) > recentWindow {
		d.recent = d.recent[len(d.recent)-recentWindow:]
	}
}
