package usage

// UsageData is the root structure persisted to usage.json.
type UsageData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by model and task kind.
type AggregatedStats struct {
	Total   TokenCounts            `json:"total"`
	ByModel map[string]TokenCounts `json:"by_model"`
	ByKind  map[string]TokenCounts `json:"by_kind"` // user, scheduled, evolution, review
	Calls   int64                  `json:"calls"`
}

// TokenCounts holds input/output sums and the charged cost in micro-units.
type TokenCounts struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Total      int64 `json:"total"`
	CostMicros int64 `json:"cost_micros"`
}

func (tc *TokenCounts) Add(input, output int, cost int64) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.CostMicros += cost
}
