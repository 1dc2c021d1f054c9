package funnel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/store"
)

// Graph resolves funnel transitions against the stored step table.
// Steps are read on every call so edits to the table apply without restart.
type Graph struct {
	steps    store.FunnelStore
	startKey string
	maxBurst int
	handoff  domain.Content
	faq      domain.Content
	logger   *slog.Logger
}

// NewGraph creates a Graph over the stored steps using the definition's
// start step, burst bound and override content.
func NewGraph(steps store.FunnelStore, def *Definition, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Graph{
		steps:    steps,
		maxBurst: DefaultMaxBurst,
		logger:   logger.With("component", "funnel"),
	}
	if def != nil {
		g.startKey = def.StartStep
		g.handoff = def.Handoff
		g.faq = def.FAQ
		if def.MaxBurst > 0 {
			g.maxBurst = def.MaxBurst
		}
	}
	return g
}

// MaxBurst is the maximum number of steps executed for one inbound event.
func (g *Graph) MaxBurst() int {
	return g.maxBurst
}

// HandoffContent is sent once when a contact is escalated.
func (g *Graph) HandoffContent() domain.Content {
	return g.handoff
}

// FAQContent answers FAQ intents without moving the contact.
func (g *Graph) FAQContent() domain.Content {
	return g.faq
}

// ResolveStart returns the entry step: the configured start key, else the
// step with the lowest position.
func (g *Graph) ResolveStart(ctx context.Context) (*domain.FunnelStep, error) {
	if g.startKey != "" {
		step, err := g.steps.GetFunnelStep(ctx, g.startKey)
		if err != nil {
			return nil, err
		}
		if step != nil {
			return step, nil
		}
		g.logger.Warn("configured start step missing, using lowest position", "start_step", g.startKey)
	}

	steps, err := g.steps.ListFunnelSteps(ctx)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("resolve start step: %w: funnel has no steps", domain.ErrNotFound)
	}
	return &steps[0], nil
}

// ResolveNext follows currentKey's next pointer. It returns nil when the
// current step is terminal. An unknown currentKey is treated as corrupted
// state and resolves to the start step.
func (g *Graph) ResolveNext(ctx context.Context, currentKey string) (*domain.FunnelStep, error) {
	current, err := g.steps.GetFunnelStep(ctx, currentKey)
	if err != nil {
		return nil, err
	}
	if current == nil {
		g.logger.Warn("current step not found, falling back to start", "step_key", currentKey)
		return g.ResolveStart(ctx)
	}
	return g.Follow(ctx, current)
}

// Follow returns the step after step, or nil if step has no next pointer.
// A dangling pointer is reported as domain.ErrNotFound.
func (g *Graph) Follow(ctx context.Context, step *domain.FunnelStep) (*domain.FunnelStep, error) {
	nextKey := step.Next()
	if nextKey == "" {
		return nil, nil
	}
	next, err := g.steps.GetFunnelStep(ctx, nextKey)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, fmt.Errorf("step %s next %s: %w", step.Key, nextKey, domain.ErrNotFound)
	}
	return next, nil
}

// IsBurstEligible reports whether step is sent automatically after its predecessor.
func (g *Graph) IsBurstEligible(step *domain.FunnelStep) bool {
	return step != nil && step.Burst
}

// Validate checks the stored graph: a start step must resolve and every next
// pointer must exist. Burst cycles are logged; execution is bounded by MaxBurst.
func (g *Graph) Validate(ctx context.Context) error {
	if _, err := g.ResolveStart(ctx); err != nil {
		return err
	}

	steps, err := g.steps.ListFunnelSteps(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		known[s.Key] = struct{}{}
	}
	for _, s := range steps {
		if next := s.Next(); next != "" {
			if _, ok := known[next]; !ok {
				return fmt.Errorf("step %s next %s: %w", s.Key, next, domain.ErrNotFound)
			}
		}
	}

	for _, cycle := range FindBurstCycles(steps) {
		g.logger.Warn("burst cycle in funnel graph", "steps", cycle, "max_burst", g.maxBurst)
	}
	return nil
}
