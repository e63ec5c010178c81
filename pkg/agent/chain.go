package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hadron-ai/hadron/pkg/config"
)

// ErrProvidersExhausted is returned when every provider in the chain failed.
var ErrProvidersExhausted = errors.New("all providers exhausted")

// Chain routes tasks across providers with failover. The natural provider
// of the task's model goes first; the remaining configured chain follows,
// each substituting its fallback model for models it does not serve.
type Chain struct {
	order   []string
	runners map[string]*Runner
	log     *slog.Logger
}

// NewChain builds a chain from the configured provider order and the
// available backends. Providers in the order with no backend (for example a
// missing API key) are skipped at execution time.
func NewChain(order []string, log *slog.Logger, backends ...Backend) *Chain {
	if log == nil {
		log = slog.Default()
	}
	runners := make(map[string]*Runner, len(backends))
	for _, b := range backends {
		runners[b.Name()] = NewRunner(b, log)
	}
	return &Chain{order: order, runners: runners, log: log}
}

// Providers returns the names of providers with a usable backend.
func (c *Chain) Providers() []string {
	out := make([]string, 0, len(c.runners))
	for _, name := range c.order {
		if _, ok := c.runners[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Execute runs the task on the first provider that succeeds.
func (c *Chain) Execute(ctx context.Context, task Task) (*Result, error) {
	var errs []error
	attempted := 0
	for _, provider := range c.providerOrder(task.Model) {
		runner, ok := c.runners[provider]
		if !ok {
			continue
		}
		attempted++

		attempt := task
		attempt.Model = modelForProvider(provider, task.Model)
		if attempt.ExploreModel != "" {
			attempt.ExploreModel = modelForProvider(provider, task.ExploreModel)
		}
		if attempt.PlanModel != "" {
			attempt.PlanModel = modelForProvider(provider, task.PlanModel)
		}

		result, err := runner.Run(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("task cancelled: %w", err)
		}
		c.log.Warn("provider failed, trying next in chain",
			"provider", provider,
			"model", attempt.Model,
			"role", task.Role,
			"error", err)
		errs = append(errs, fmt.Errorf("%s: %w", provider, err))
	}

	if attempted == 0 {
		return nil, fmt.Errorf("%w: no backend configured for chain %v", ErrProvidersExhausted, c.order)
	}
	return nil, fmt.Errorf("%w for model %s: %w", ErrProvidersExhausted, task.Model, errors.Join(errs...))
}

// providerOrder puts the model's natural provider first, then the rest of
// the configured chain in order.
func (c *Chain) providerOrder(model string) []string {
	natural := config.ProviderForModel(model)
	out := make([]string, 0, len(c.order)+1)
	if natural != config.ProviderUnknown {
		out = append(out, natural)
	}
	for _, provider := range c.order {
		if provider == natural {
			continue
		}
		out = append(out, provider)
	}
	return out
}

// modelForProvider keeps the model when the provider serves it and
// substitutes the provider's fallback model otherwise.
func modelForProvider(provider, model string) string {
	if config.ProviderForModel(model) == provider {
		return model
	}
	if fallback, ok := config.DefaultFallbackModels[provider]; ok {
		return fallback
	}
	return model
}
