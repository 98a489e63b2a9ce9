package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/deskpilot/internal/config"
)

func newClockedBudget(cfg config.BudgetConfig) (*ActionBudget, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewActionBudget(cfg)
	b.now = clock.Now
	b.Reset()
	return b, clock
}

func TestActionBudgetBounds(t *testing.T) {
	b, clock := newClockedBudget(config.BudgetConfig{Capacity: 3, RefillPerSecond: 1, Aggressiveness: 1})

	assert.Equal(t, 3.0, b.Tokens())
	for i := 0; i < 3; i++ {
		assert.True(t, b.Spend(), "spend %d", i)
	}
	assert.False(t, b.Spend(), "empty bucket refuses")
	assert.Equal(t, 0.0, b.Tokens(), "a refused spend leaves the bucket untouched")

	clock.Advance(1500 * time.Millisecond)
	assert.InDelta(t, 1.5, b.Tokens(), 1e-9)
	assert.True(t, b.Spend())
	assert.False(t, b.Spend())

	clock.Advance(time.Hour)
	assert.Equal(t, 3.0, b.Tokens(), "refill never exceeds capacity")
}

func TestActionBudgetAggressiveness(t *testing.T) {
	b, clock := newClockedBudget(config.BudgetConfig{Capacity: 5, RefillPerSecond: 0.5, Aggressiveness: 1})
	assert.Equal(t, 0.5, b.RefillRate())

	b.SetAggressiveness(4)
	assert.Equal(t, 4, b.Aggressiveness())
	assert.Equal(t, 2.0, b.RefillRate())

	b.SetAggressiveness(9)
	assert.Equal(t, 5, b.Aggressiveness(), "clamped to 5")
	b.SetAggressiveness(0)
	assert.Equal(t, 1, b.Aggressiveness(), "clamped to 1")

	for b.Spend() {
	}
	b.SetAggressiveness(2)
	clock.Advance(time.Second)
	assert.InDelta(t, 1.0, b.Tokens(), 1e-9)

	b.Reset()
	assert.Equal(t, 5.0, b.Tokens())
	assert.Equal(t, 5, b.Capacity())
}
