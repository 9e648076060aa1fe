package llm

import (
	"math"

	"ouroboros/internal/budget"
)

// Well-known profile names.
const (
	ProfileGeneral = "general"
	ProfileCode    = "code"
	ProfileReview  = "review"
)

// Pricing is the cost per million tokens in ledger currency units.
type Pricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Cost prices a call.
func (p Pricing) Cost(inputTokens, outputTokens int) budget.Micros {
	v := float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok
	// per-million price times tokens is already in micro-units
	return budget.Micros(math.Ceil(v))
}

// Profile is a named model configuration.
type Profile struct {
	Name            string
	Provider        string // "openrouter" or "gemini"
	Model           string
	Pricing         Pricing
	MaxOutputTokens int
}

// Catalog resolves profile names.
type Catalog struct {
	profiles map[string]Profile
	fallback string
}

// NewCatalog builds a catalog. Unknown names resolve to fallback.
func NewCatalog(fallback string, profiles ...Profile) *Catalog {
	c := &Catalog{profiles: make(map[string]Profile, len(profiles)), fallback: fallback}
	for _, p := range profiles {
		c.profiles[p.Name] = p
	}
	return c
}

// Resolve returns the named profile, or the fallback profile.
func (c *Catalog) Resolve(name string) Profile {
	if p, ok := c.profiles[name]; ok {
		return p
	}
	return c.profiles[c.fallback]
}

// Names lists configured profiles.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		out = append(out, name)
	}
	return out
}

// EstimateTokens approximates a token count from text length.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Estimate is the default pre-call cost estimate: the prompt at four chars
// per token plus the full output allowance.
func Estimate(req Request, p Profile) budget.Micros {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 64
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + 200
	}
	maxOut := req.MaxTokens
	if maxOut <= 0 {
		maxOut = p.MaxOutputTokens
	}
	return p.Pricing.Cost((chars+3)/4, maxOut)
}
