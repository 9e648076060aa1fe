// Package budget enforces the process-wide spend cap.
//
// Every priced call follows the same discipline: Reserve an estimate before
// the call is issued, then CommitActual once the real cost is known. Reserve
// is an atomic check-and-increment; a call whose reservation fails is never
// issued.
package budget

import (
	"errors"
	"sync"

	"ouroboros/internal/logging"
)

// ErrExhausted is returned by callers when a reservation was refused.
var ErrExhausted = errors.New("budget exhausted")

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Currency string `json:"currency"`
	Cap      Micros `json:"cap"`
	Spent    Micros `json:"spent"`    // committed actual cost, never above Cap
	Reserved Micros `json:"reserved"` // outstanding reservations
	Overrun  Micros `json:"overrun"`  // actual cost that did not fit under Cap
}

// Remaining is the amount still available for new reservations.
func (s Snapshot) Remaining() Micros {
	r := s.Cap - s.Spent - s.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// Ledger tracks cumulative spend against a fixed cap. It is safe for
// concurrent use; all state changes happen under one mutex so a check and
// its increment are never interleaved with another writer.
type Ledger struct {
	mu       sync.Mutex
	currency string
	cap      Micros
	spent    Micros
	reserved Micros
	overrun  Micros
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCurrency sets the currency label (default "USD").
func WithCurrency(c string) Option {
	return func(l *Ledger) { l.currency = c }
}

// WithSpent seeds the ledger with spend carried over from a previous
// process instance. Values above the cap are clamped.
func WithSpent(spent Micros) Option {
	return func(l *Ledger) {
		if spent < 0 {
			spent = 0
		}
		if spent > l.cap {
			spent = l.cap
		}
		l.spent = spent
	}
}

// NewLedger creates a ledger with the given cap. The cap never changes.
func NewLedger(capacity Micros, opts ...Option) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	l := &Ledger{currency: "USD", cap: capacity}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve sets aside amount for an upcoming call. It returns false, leaving
// the ledger untouched, if spent plus outstanding reservations plus amount
// would exceed the cap.
func (l *Ledger) Reserve(amount Micros) bool {
	if amount < 0 {
		amount = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// spent+reserved never exceeds cap, so the headroom cannot overflow.
	if amount > l.cap-l.spent-l.reserved {
		logging.BudgetDebug("reserve refused: amount=%s spent=%s reserved=%s cap=%s",
			amount, l.spent, l.reserved, l.cap)
		return false
	}
	l.reserved += amount
	logging.BudgetDebug("reserved %s (spent=%s reserved=%s cap=%s)", amount, l.spent, l.reserved, l.cap)
	return true
}

// CommitActual releases a reservation and records the real cost. Spent never
// rises above the cap: any part of actual that does not fit is recorded as
// overrun and logged, never dropped.
func (l *Ledger) CommitActual(reserved, actual Micros) {
	if reserved < 0 {
		reserved = 0
	}
	if actual < 0 {
		actual = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if reserved > l.reserved {
		logging.BudgetWarn("commit releases %s but only %s is reserved", reserved, l.reserved)
		reserved = l.reserved
	}
	l.reserved -= reserved

	charged := actual
	if room := l.cap - l.spent; charged > room {
		charged = room
	}
	l.spent += charged

	if excess := actual - charged; excess > 0 {
		l.overrun += excess
		logging.BudgetWarn("overrun: actual=%s reserved=%s excess=%s total_overrun=%s",
			actual, reserved, excess, l.overrun)
		logging.Audit(logging.AuditEvent{
			Type: logging.AuditBudgetOverrun,
			Fields: map[string]interface{}{
				"actual":   actual.Units(),
				"reserved": reserved.Units(),
				"excess":   excess.Units(),
				"overrun":  l.overrun.Units(),
			},
		})
	} else if actual > reserved {
		logging.BudgetDebug("actual %s exceeded estimate %s but fit under cap", actual, reserved)
	}
}

// Snapshot returns the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Currency: l.currency,
		Cap:      l.cap,
		Spent:    l.spent,
		Reserved: l.reserved,
		Overrun:  l.overrun,
	}
}
