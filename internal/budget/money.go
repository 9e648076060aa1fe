package budget

import (
	"fmt"
	"math"
)

// Micros is an amount of currency in millionths of a unit. Integer money keeps
// the ledger's cap comparison exact.
type Micros int64

// MicrosPerUnit is the number of Micros in one currency unit.
const MicrosPerUnit = 1_000_000

// FromUnits converts a currency amount (e.g. dollars) to Micros, rounding to
// the nearest micro-unit.
func FromUnits(v float64) Micros {
	return Micros(math.Round(v * MicrosPerUnit))
}

// Units converts back to a float currency amount.
func (m Micros) Units() float64 {
	return float64(m) / MicrosPerUnit
}

// String formats the amount with four decimals, e.g. "3.0000".
func (m Micros) String() string {
	return fmt.Sprintf("%.4f", m.Units())
}
