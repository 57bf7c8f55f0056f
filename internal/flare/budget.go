package flare

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// BudgetConfig bounds how often a single domain may be escalated to the
// challenge solver.
type BudgetConfig struct {
	MaxAttempts int           // escalations allowed per window
	Cooldown    time.Duration // window length; counter resets after it
}

// DefaultBudgetConfig returns the standard escalation limits.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxAttempts: 10,
		Cooldown:    30 * time.Minute,
	}
}

type budgetEntry struct {
	attempts    int
	windowStart time.Time
}

// Budget rations solver escalations per domain. Solves are expensive and
// slow, so a domain that keeps failing through the solver must not be
// retried unboundedly.
type Budget struct {
	cfg BudgetConfig

	mu      sync.Mutex
	domains map[string]*budgetEntry

	now func() time.Time
}

// NewBudget builds a per-domain escalation budget.
func NewBudget(cfg BudgetConfig) *Budget {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	return &Budget{
		cfg:     cfg,
		domains: make(map[string]*budgetEntry),
		now:     time.Now,
	}
}

// Acquire books one escalation attempt for domain, or refuses with
// ErrBypassBudget when the window is spent.
func (b *Budget) Acquire(domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.domains[domain]
	if !ok || b.now().Sub(e.windowStart) >= b.cfg.Cooldown {
		e = &budgetEntry{windowStart: b.now()}
		b.domains[domain] = e
	}
	if e.attempts >= b.cfg.MaxAttempts {
		log.Warn().Str("domain", domain).Int("attempts", e.attempts).Msg("Solver escalation budget exhausted for domain")
		return types.ErrBypassBudget
	}
	e.attempts++
	return nil
}

// Remaining reports the attempts left in the domain's current window.
func (b *Budget) Remaining(domain string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.domains[domain]
	if !ok || b.now().Sub(e.windowStart) >= b.cfg.Cooldown {
		return b.cfg.MaxAttempts
	}
	if left := b.cfg.MaxAttempts - e.attempts; left > 0 {
		return left
	}
	return 0
}

// Reset clears the domain's window, typically after a solve that restored
// normal access.
func (b *Budget) Reset(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.domains, domain)
}
