package captcha

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/harvester/internal/types"
)

// Per-solve costs in currency units, by CAPTCHA family.
var typeCosts = map[Type]float64{
	TypeRecaptchaV2: 0.002,
	TypeRecaptchaV3: 0.002,
	TypeHCaptcha:    0.002,
	TypeImage:       0.001,
}

// costTracker accounts per-type spend with a daily (UTC calendar date)
// reset.
type costTracker struct {
	mu         sync.Mutex
	dailyLimit float64
	softLimit  float64
	day        string // UTC date of the running total
	daily      float64
	total      float64
	byType     map[Type]float64
	warned     bool

	now func() time.Time
}

func newCostTracker(dailyLimit, softLimit float64) *costTracker {
	return &costTracker{
		dailyLimit: dailyLimit,
		softLimit:  softLimit,
		byType:     make(map[Type]float64),
		now:        time.Now,
	}
}

// admit refuses a solve that would push today's spend past the limit.
func (c *costTracker) admit(t Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDayLocked()

	if c.dailyLimit > 0 && c.daily+costOf(t) > c.dailyLimit {
		log.Warn().Float64("daily", c.daily).Float64("limit", c.dailyLimit).Msg("Daily captcha spend limit reached")
		return types.ErrDailyBudget
	}
	return nil
}

// record books the cost of a completed solve.
func (c *costTracker) record(t Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDayLocked()

	cost := costOf(t)
	c.daily += cost
	c.total += cost
	c.byType[t] += cost

	if !c.warned && c.softLimit > 0 && c.daily >= c.softLimit {
		c.warned = true
		log.Warn().Float64("daily", c.daily).Float64("soft_limit", c.softLimit).Msg("Captcha spend approaching daily limit")
	}
}

// DailyTotal returns today's spend.
func (c *costTracker) DailyTotal() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDayLocked()
	return c.daily
}

func (c *costTracker) rollDayLocked() {
	today := c.now().UTC().Format("2006-01-02")
	if c.day != today {
		c.day = today
		c.daily = 0
		c.warned = false
	}
}

func costOf(t Type) float64 {
	if cost, ok := typeCosts[t]; ok {
		return cost
	}
	return 0.002
}
