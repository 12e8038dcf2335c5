package pipeline

import (
	"sync"

	"github.com/atranelis/recall/pkg/logger"
)

// Budget enforces the hard spend ceiling for one run. Once cumulative spend
// reaches the ceiling, AllowMoreWork stays false for the rest of the run;
// in-flight oracle calls complete and their cost is still recorded, so the
// counter can legitimately end above the ceiling.
type Budget struct {
	mu       sync.Mutex
	ceiling  float64
	spent    float64
	warnAt   float64
	warned   bool
	onNotify func(spent, ceiling float64)
}

// NewBudget starts a guard at the given ceiling, seeded with the spend
// already recorded in the manifest. ceiling <= 0 disables enforcement.
// onNotify fires once, when spend first crosses 80% of the ceiling.
func NewBudget(ceiling, alreadySpent float64, onNotify func(spent, ceiling float64)) *Budget {
	return &Budget{
		ceiling:  ceiling,
		spent:    alreadySpent,
		warnAt:   ceiling * 0.8,
		onNotify: onNotify,
	}
}

// AllowMoreWork reports whether new oracle calls may be issued.
func (b *Budget) AllowMoreWork() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ceiling <= 0 {
		return true
	}
	return b.spent < b.ceiling
}

// RecordSpend adds the cost of a completed call.
func (b *Budget) RecordSpend(amount float64) {
	if amount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.spent += amount
	if b.ceiling <= 0 {
		return
	}
	if !b.warned && b.spent >= b.warnAt {
		b.warned = true
		logger.Warn("extraction budget nearly exhausted", "spent_usd", b.spent, "ceiling_usd", b.ceiling)
		if b.onNotify != nil {
			b.onNotify(b.spent, b.ceiling)
		}
	}
}

// Spent returns the cumulative spend seen by this guard.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}
