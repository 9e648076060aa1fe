package llm

import (
	"context"
	"fmt"

	"ouroboros/internal/budget"
	"ouroboros/internal/logging"
)

// Recorder receives usage of every settled call.
type Recorder interface {
	Record(ctx context.Context, model string, usage Usage)
}

// EstimateFunc computes the amount to reserve before a call.
type EstimateFunc func(req Request, p Profile) budget.Micros

// Meter gates priced calls on the budget ledger: reserve the estimate, call,
// reconcile with the actual cost.
type Meter struct {
	ledger   *budget.Ledger
	catalog  *Catalog
	estimate EstimateFunc
	recorder Recorder
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithEstimator replaces the default estimate.
func WithEstimator(fn EstimateFunc) MeterOption {
	return func(m *Meter) { m.estimate = fn }
}

// WithRecorder feeds settled usage to r.
func WithRecorder(r Recorder) MeterOption {
	return func(m *Meter) { m.recorder = r }
}

// NewMeter creates a meter over ledger.
func NewMeter(ledger *budget.Ledger, catalog *Catalog, opts ...MeterOption) *Meter {
	m := &Meter{ledger: ledger, catalog: catalog, estimate: Estimate}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ledger returns the underlying ledger.
func (m *Meter) Ledger() *budget.Ledger { return m.ledger }

// Reservation is an outstanding hold on the ledger.
type Reservation struct {
	Amount  budget.Micros
	Profile Profile
}

// Reserve holds the estimated cost of req. It returns an error wrapping
// budget.ErrExhausted when the ledger refuses; the call must not be issued.
func (m *Meter) Reserve(req Request) (Reservation, error) {
	p := m.catalog.Resolve(req.Profile)
	amount := m.estimate(req, p)
	if !m.ledger.Reserve(amount) {
		snap := m.ledger.Snapshot()
		return Reservation{}, fmt.Errorf("%w: need %s, remaining %s of %s",
			budget.ErrExhausted, amount, snap.Remaining(), snap.Cap)
	}
	return Reservation{Amount: amount, Profile: p}, nil
}

// Settle reconciles a reservation and returns the amount charged. A call
// that failed after ctx was cancelled may still have been billed, so it is
// charged the full estimate; any other failed call is charged nothing.
func (m *Meter) Settle(ctx context.Context, r Reservation, resp *Response, callErr error) budget.Micros {
	var actual budget.Micros
	switch {
	case resp != nil:
		actual = resp.Usage.Cost
		if !resp.Usage.CostReported && actual == 0 {
			actual = r.Profile.Pricing.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
		if m.recorder != nil {
			u := resp.Usage
			u.Cost = actual
			m.recorder.Record(ctx, resp.Model, u)
		}
	case callErr != nil && ctx.Err() != nil:
		actual = r.Amount
		logging.BudgetDebug("call abandoned by cancellation, charging estimate %s", r.Amount)
	}
	m.ledger.CommitActual(r.Amount, actual)
	return actual
}

// Call reserves, invokes c and settles.
func (m *Meter) Call(ctx context.Context, c Client, req Request) (*Response, error) {
	r, err := m.Reserve(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.Complete(ctx, req)
	m.Settle(ctx, r, resp, err)
	return resp, err
}
