// Package review produces a strategic review of the agent's own repository
// and drive. Files are collected, split into chunks that fit the model's
// context, reviewed chunk by chunk through the metered client and
// synthesized into one report.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ouroboros/internal/budget"
	"ouroboros/internal/llm"
	"ouroboros/internal/logging"

	"golang.org/x/sync/errgroup"
)

const (
	minChunkTokens = 20000
	maxChunkTokens = 120000
)

const chunkPrompt = `You are the strategic reviewer of Ouroboros, a self-modifying agent.
Do not hunt for bugs; judge the health and direction of the system.

Assess:
1) Architecture: is the code small, modular and clear? Name bloated functions.
2) Principles: does the code follow the agent's own bible?
3) Direction: are recent changes bold and useful, or timid micro-fixes?
4) The single highest-leverage next change.

Always give a substantive answer. If nothing is wrong, say what makes the code good.
Be concise.`

const synthesisPrompt = `You are consolidating a multi-chunk strategic review of Ouroboros, a self-modifying agent.

Write one report with these sections:
1) Architecture assessment
2) Principle compliance
3) Evolution direction
4) Top three highest-leverage moves, ranked
5) Risks of the current direction

Be direct and actionable.`

// Config tunes the engine.
type Config struct {
	// Profile is the model profile used for every call.
	Profile       string
	MaxFileChars  int
	MaxTotalChars int
	// ChunkTokens is clamped to [20000, 120000].
	ChunkTokens int
	MaxTokens   int
	// Parallel bounds concurrent chunk calls.
	Parallel int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		Profile:       llm.ProfileReview,
		MaxFileChars:  300000,
		MaxTotalChars: 4000000,
		ChunkTokens:   70000,
		MaxTokens:     4000,
		Parallel:      2,
	}
}

// Engine runs reviews.
type Engine struct {
	meter    *llm.Meter
	client   llm.Client
	repoDir  string
	driveDir string
	cfg      Config
}

// NewEngine creates an engine over the repository and drive directories.
// Zero config fields take defaults.
func NewEngine(meter *llm.Meter, client llm.Client, repoDir, driveDir string, cfg Config) *Engine {
	d := DefaultConfig()
	if cfg.Profile == "" {
		cfg.Profile = d.Profile
	}
	if cfg.MaxFileChars <= 0 {
		cfg.MaxFileChars = d.MaxFileChars
	}
	if cfg.MaxTotalChars <= 0 {
		cfg.MaxTotalChars = d.MaxTotalChars
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = d.ChunkTokens
	}
	cfg.ChunkTokens = min(max(cfg.ChunkTokens, minChunkTokens), maxChunkTokens)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = d.Parallel
	}
	return &Engine{meter: meter, client: client, repoDir: repoDir, driveDir: driveDir, cfg: cfg}
}

// Report is the outcome of one review.
type Report struct {
	Text        string
	Metrics     Metrics
	Coverage    Coverage
	Chunks      int
	EmptyChunks int
	Cost        budget.Micros
	Duration    time.Duration
}

// costTally sums the actual charges of concurrent calls.
type costTally struct {
	mu    sync.Mutex
	total budget.Micros
}

func (c *costTally) add(m budget.Micros) {
	c.mu.Lock()
	c.total += m
	c.mu.Unlock()
}

// Review runs a full review and returns the report text.
func (e *Engine) Review(ctx context.Context, reason string) (string, error) {
	r, err := e.Run(ctx, reason)
	if err != nil {
		return "", err
	}
	return r.Text, nil
}

// Run collects, reviews and synthesizes. It fails only when ctx ends or no
// chunk produced a review; individual chunk failures are reported inline.
func (e *Engine) Run(ctx context.Context, reason string) (*Report, error) {
	start := time.Now()
	if strings.TrimSpace(reason) == "" {
		reason = "manual review"
	}

	c := &collector{maxFile: e.cfg.MaxFileChars, maxTotal: e.cfg.MaxTotalChars}
	if err := c.collect(e.repoDir, "repo", repoSkipDirs); err != nil {
		return nil, fmt.Errorf("collect repo: %w", err)
	}
	if err := c.collect(e.driveDir, "drive", driveSkipDirs); err != nil {
		return nil, fmt.Errorf("collect drive: %w", err)
	}
	metrics := computeMetrics(c.sections)
	chunks := chunk(c.sections, e.cfg.ChunkTokens, llm.EstimateTokens)
	if len(chunks) == 0 {
		chunks = []string{"(No reviewable content found.)"}
	}
	logging.Review("Review started: %d files, %d chars, %d chunk(s)", c.cov.Files, c.cov.Chars, len(chunks))

	var (
		tally   costTally
		reports = make([]string, len(chunks))
		empty   = make([]bool, len(chunks))
		failed  = make([]bool, len(chunks))
		g       errgroup.Group
	)
	g.SetLimit(e.cfg.Parallel)
	for i, body := range chunks {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			prompt := fmt.Sprintf("Review reason: %s\nChunk %d/%d\n%s\n\nAnalyze the code below.\n\n%s",
				clip(reason, 300), i+1, len(chunks), metrics, body)
			text, err := e.call(ctx, &tally, chunkPrompt, prompt)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case err != nil:
				logging.ReviewWarn("Chunk %d/%d failed: %v", i+1, len(chunks), err)
				reports[i] = fmt.Sprintf("=== Chunk %d/%d ERROR: %v ===", i+1, len(chunks), err)
				failed[i] = true
			case text == "":
				empty[i] = true
			default:
				reports[i] = fmt.Sprintf("=== Chunk %d/%d ===\n%s", i+1, len(chunks), text)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var parts []string
	reviewed, emptyCount := 0, 0
	for i, r := range reports {
		if empty[i] {
			emptyCount++
		}
		if r == "" {
			continue
		}
		parts = append(parts, r)
		if !failed[i] {
			reviewed++
		}
	}
	if reviewed == 0 {
		if len(parts) > 0 {
			return nil, errors.New("every chunk failed:\n" + strings.Join(parts, "\n"))
		}
		return nil, errors.New("review produced no output")
	}

	final := parts[0]
	if len(parts) > 1 {
		final = e.synthesize(ctx, &tally, metrics, parts)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	report := &Report{
		Metrics:     metrics,
		Coverage:    c.cov,
		Chunks:      len(chunks),
		EmptyChunks: emptyCount,
		Cost:        tally.total,
		Duration:    time.Since(start),
	}
	var sb strings.Builder
	sb.WriteString(metrics.String())
	fmt.Fprintf(&sb, "\nReview coverage: %d files, %d chars, %d chunk(s), %d empty",
		c.cov.Files, c.cov.Chars, len(chunks), emptyCount)
	if c.cov.Truncated > 0 || c.cov.Dropped > 0 {
		fmt.Fprintf(&sb, ", %d truncated, %d dropped", c.cov.Truncated, c.cov.Dropped)
	}
	sb.WriteString("\n\n")
	sb.WriteString(final)
	fmt.Fprintf(&sb, "\n\n---\nReview cost: %s in %s", report.Cost, report.Duration.Round(time.Second))
	report.Text = sb.String()

	logging.Review("Review finished: %d chunk(s), cost %s", len(chunks), report.Cost)
	return report, nil
}

func (e *Engine) synthesize(ctx context.Context, tally *costTally, metrics Metrics, parts []string) string {
	prompt := metrics.String() + "\n\nConsolidate the chunk reviews below into one strategic report.\n\n" +
		strings.Join(parts, "\n\n")
	text, err := e.call(ctx, tally, synthesisPrompt, prompt)
	switch {
	case err != nil:
		logging.ReviewWarn("Synthesis failed: %v", err)
		return fmt.Sprintf("Synthesis failed: %v\n\n%s", err, strings.Join(parts, "\n\n"))
	case text == "":
		return "Synthesis returned nothing. Raw chunk reports:\n\n" + strings.Join(parts, "\n\n")
	default:
		return text
	}
}

// call makes one metered model call and adds its charge to tally.
func (e *Engine) call(ctx context.Context, tally *costTally, system, prompt string) (string, error) {
	req := llm.Request{
		Profile:   e.cfg.Profile,
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: e.cfg.MaxTokens,
	}
	res, err := e.meter.Reserve(req)
	if err != nil {
		return "", err
	}
	resp, err := e.client.Complete(ctx, req)
	tally.add(e.meter.Settle(ctx, res, resp, err))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
