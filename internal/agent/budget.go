package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/deskpilot/internal/config"
)

// ActionBudget is the token bucket that bounds physical actions. Tokens
// never leave [0, capacity]; a failed spend leaves the bucket untouched and
// never waits for a refill.
type ActionBudget struct {
	mu             sync.Mutex
	limiter        *rate.Limiter
	capacity       int
	baseRate       float64
	aggressiveness int
	now            func() time.Time
}

// NewActionBudget creates a full bucket from configuration.
func NewActionBudget(cfg config.BudgetConfig) *ActionBudget {
	b := &ActionBudget{
		capacity:       cfg.Capacity,
		baseRate:       cfg.RefillPerSecond,
		aggressiveness: cfg.Aggressiveness,
		now:            time.Now,
	}
	if b.capacity <= 0 {
		b.capacity = 1
	}
	if b.aggressiveness < 1 {
		b.aggressiveness = 1
	}
	b.limiter = rate.NewLimiter(b.limit(), b.capacity)
	return b
}

func (b *ActionBudget) limit() rate.Limit {
	return rate.Limit(b.baseRate * float64(b.aggressiveness))
}

// Spend takes one token if available.
func (b *ActionBudget) Spend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.AllowN(b.now(), 1)
}

// Tokens reports the current token count.
func (b *ActionBudget) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.limiter.TokensAt(b.now())
	switch {
	case t < 0:
		return 0
	case t > float64(b.capacity):
		return float64(b.capacity)
	}
	return t
}

// Capacity is the bucket size.
func (b *ActionBudget) Capacity() int { return b.capacity }

// RefillRate is the current refill rate in tokens per second.
func (b *ActionBudget) RefillRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.limiter.Limit())
}

// Aggressiveness is the operator-set rate multiplier.
func (b *ActionBudget) Aggressiveness() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aggressiveness
}

// SetAggressiveness rescales the refill rate. Levels are clamped to [1, 5].
func (b *ActionBudget) SetAggressiveness(level int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aggressiveness = min(max(level, 1), 5)
	b.limiter.SetLimitAt(b.now(), b.limit())
}

// Reset refills the bucket for a new session.
func (b *ActionBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiter = rate.NewLimiter(b.limit(), b.capacity)
}
