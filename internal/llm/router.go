package llm

import (
	"context"
	"errors"
	"fmt"

	"ouroboros/internal/logging"
)

// ErrUnknownProvider is returned when a profile names an unconfigured provider.
var ErrUnknownProvider = errors.New("unknown model provider")

// Router resolves the request profile and dispatches to its provider.
type Router struct {
	catalog   *Catalog
	providers map[string]Client
}

// NewRouter creates a router over the given providers, keyed by provider name.
func NewRouter(catalog *Catalog, providers map[string]Client) *Router {
	return &Router{catalog: catalog, providers: providers}
}

// Complete implements Client.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	p := r.catalog.Resolve(req.Profile)
	provider, ok := r.providers[p.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q (profile %q)", ErrUnknownProvider, p.Provider, p.Name)
	}
	req.Model = p.Model
	if req.MaxTokens <= 0 {
		req.MaxTokens = p.MaxOutputTokens
	}

	timer := logging.StartTimer(logging.CategoryAPI, "complete "+p.Model)
	resp, err := provider.Complete(ctx, req)
	timer.Stop()
	if err != nil {
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = p.Model
	}
	if !resp.Usage.CostReported {
		resp.Usage.Cost = p.Pricing.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	logging.APIDebug("profile=%s model=%s in=%d out=%d cost=%s tool_calls=%d",
		p.Name, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.Cost, len(resp.ToolCalls))
	return resp, nil
}
