package budget

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestReserveRefusesOverCap(t *testing.T) {
	l := NewLedger(FromUnits(10))

	for i := 0; i < 3; i++ {
		require.True(t, l.Reserve(FromUnits(3)), "reservation %d", i)
		l.CommitActual(FromUnits(3), FromUnits(3))
	}

	before := l.Snapshot()
	assert.False(t, l.Reserve(FromUnits(3)), "fourth $3 reservation must fail at $9 spent")
	assert.Equal(t, before, l.Snapshot(), "refused reserve must not change state")
	assert.Equal(t, FromUnits(9), before.Spent)
	assert.Equal(t, FromUnits(1), before.Remaining())
}

func TestReserveHugeEstimateIsRefused(t *testing.T) {
	l := NewLedger(FromUnits(10))
	require.True(t, l.Reserve(FromUnits(4)))
	l.CommitActual(FromUnits(4), FromUnits(4))
	require.True(t, l.Reserve(FromUnits(1)))

	before := l.Snapshot()
	assert.False(t, l.Reserve(Micros(math.MaxInt64)))
	assert.False(t, l.Reserve(Micros(math.MaxInt64-1)))
	assert.Equal(t, before, l.Snapshot())
}

func TestCommitActualRefundsUnusedReservation(t *testing.T) {
	l := NewLedger(FromUnits(5))
	require.True(t, l.Reserve(FromUnits(2)))
	l.CommitActual(FromUnits(2), FromUnits(0.5))

	s := l.Snapshot()
	assert.Equal(t, FromUnits(0.5), s.Spent)
	assert.Equal(t, Micros(0), s.Reserved)
	assert.Equal(t, Micros(0), s.Overrun)
}

func TestCommitActualRecordsOverrun(t *testing.T) {
	l := NewLedger(FromUnits(1))
	require.True(t, l.Reserve(FromUnits(0.8)))
	l.CommitActual(FromUnits(0.8), FromUnits(1.5))

	s := l.Snapshot()
	assert.Equal(t, FromUnits(1), s.Spent, "spent is clamped at cap")
	assert.Equal(t, FromUnits(0.5), s.Overrun)
	assert.False(t, l.Reserve(1))
}

func TestWithSpentClampsToCap(t *testing.T) {
	l := NewLedger(FromUnits(2), WithSpent(FromUnits(7)), WithCurrency("EUR"))
	s := l.Snapshot()
	assert.Equal(t, FromUnits(2), s.Spent)
	assert.Equal(t, "EUR", s.Currency)
}

func TestSpentNeverExceedsCapRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		capacity := Micros(rng.Int63n(10_000_000) + 1)
		l := NewLedger(capacity)
		for step := 0; step < 50; step++ {
			amount := Micros(rng.Int63n(2_000_000))
			before := l.Snapshot()
			if !l.Reserve(amount) {
				require.Equal(t, before, l.Snapshot())
				continue
			}
			actual := Micros(rng.Int63n(3_000_000))
			l.CommitActual(amount, actual)
			s := l.Snapshot()
			require.LessOrEqual(t, s.Spent, s.Cap)
			require.GreaterOrEqual(t, s.Spent, before.Spent, "spent is monotonic")
		}
	}
}

func TestConcurrentReservationsRespectCap(t *testing.T) {
	l := NewLedger(FromUnits(10))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve(FromUnits(1)) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	s := l.Snapshot()
	assert.Equal(t, FromUnits(10), s.Reserved)
	assert.Equal(t, Micros(0), s.Remaining())
}

func TestMicrosString(t *testing.T) {
	assert.Equal(t, "3.0000", FromUnits(3).String())
	assert.Equal(t, "0.0012", FromUnits(0.00123).String())
}
