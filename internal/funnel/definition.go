// Package funnel loads the funnel definition and resolves step transitions.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/store"
	"gopkg.in/yaml.v3"
)

// DefaultMaxBurst is the number of steps executed per inbound event when the
// definition does not set max_burst.
const DefaultMaxBurst = 5

// StepDefinition is one step as written in funnel.yaml.
type StepDefinition struct {
	Key            string `yaml:"key"`
	domain.Content `yaml:",inline"`
	Next           string `yaml:"next,omitempty"`
	Burst          bool   `yaml:"burst,omitempty"`
}

// Intents holds the classifier vocabularies.
type Intents struct {
	Handoff   []string `yaml:"handoff"`
	FAQ       []string `yaml:"faq"`
	Greetings []string `yaml:"greetings"`
}

// Definition is the parsed funnel.yaml.
type Definition struct {
	StartStep    string            `yaml:"start_step"`
	MaxBurst     int               `yaml:"max_burst"`
	Steps        []StepDefinition  `yaml:"steps"`
	Handoff      domain.Content    `yaml:"handoff"`
	FAQ          domain.Content    `yaml:"faq"`
	Intents      Intents           `yaml:"intents"`
	MediaAliases map[string]string `yaml:"media_aliases"`
}

// LoadDefinition reads and validates a funnel definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read funnel definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses and validates a funnel definition document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse funnel definition: %w", err)
	}
	if def.MaxBurst <= 0 {
		def.MaxBurst = DefaultMaxBurst
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural integrity: unique keys, known references and a
// resolvable start step. Burst cycles are not errors; see BurstCycles.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: funnel has no steps", domain.ErrValidation)
	}

	var errs []error
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.Key == "" {
			errs = append(errs, fmt.Errorf("step %d has no key", i))
			continue
		}
		if _, dup := seen[s.Key]; dup {
			errs = append(errs, fmt.Errorf("duplicate step key %q", s.Key))
		}
		seen[s.Key] = struct{}{}
		if err := validKind(s.MediaKind); err != nil {
			errs = append(errs, fmt.Errorf("step %q: %w", s.Key, err))
		}
	}
	for _, s := range d.Steps {
		if s.Next == "" {
			continue
		}
		if _, ok := seen[s.Next]; !ok {
			errs = append(errs, fmt.Errorf("step %q references unknown next step %q", s.Key, s.Next))
		}
	}
	if d.StartStep != "" {
		if _, ok := seen[d.StartStep]; !ok {
			errs = append(errs, fmt.Errorf("start step %q is not defined", d.StartStep))
		}
	}
	if err := validKind(d.Handoff.MediaKind); err != nil {
		errs = append(errs, fmt.Errorf("handoff: %w", err))
	}
	if err := validKind(d.FAQ.MediaKind); err != nil {
		errs = append(errs, fmt.Errorf("faq: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: invalid funnel definition: %w", domain.ErrValidation, errors.Join(errs...))
	}
	return nil
}

func validKind(k domain.MediaKind) error {
	switch k {
	case "", domain.MediaAudio, domain.MediaVideo:
		return nil
	default:
		return fmt.Errorf("unsupported media kind %q", k)
	}
}

// FunnelSteps converts the definition into stored steps, positioned in file order.
func (d *Definition) FunnelSteps() []domain.FunnelStep {
	steps := make([]domain.FunnelStep, 0, len(d.Steps))
	for i, s := range d.Steps {
		step := domain.FunnelStep{
			Key:      s.Key,
			Content:  s.Content,
			Burst:    s.Burst,
			Position: i + 1,
		}
		if s.Next != "" {
			next := s.Next
			step.NextStep = &next
		}
		steps = append(steps, step)
	}
	return steps
}

// BurstCycles returns the definition's burst cycles. See FindBurstCycles.
func (d *Definition) BurstCycles() [][]string {
	return FindBurstCycles(d.FunnelSteps())
}

// Seed upserts every step of the definition into the store.
func Seed(ctx context.Context, fs store.FunnelStore, def *Definition) error {
	for _, step := range def.FunnelSteps() {
		step := step
		if err := fs.UpsertFunnelStep(ctx, &step); err != nil {
			return fmt.Errorf("seed step %s: %w", step.Key, err)
		}
	}
	return nil
}

// FindBurstCycles returns every cycle that automatic chaining could walk:
// sequences of burst-eligible steps whose next pointers lead back into the
// sequence. Each cycle is reported once, starting from its first step in
// the given order.
func FindBurstCycles(steps []domain.FunnelStep) [][]string {
	byKey := make(map[string]*domain.FunnelStep, len(steps))
	for i := range steps {
		byKey[steps[i].Key] = &steps[i]
	}

	reported := make(map[string]bool)
	var cycles [][]string
	for _, s := range steps {
		if !s.Burst || reported[s.Key] {
			continue
		}

		index := map[string]int{}
		var path []string
		cur := byKey[s.Key]
		for cur != nil && cur.Burst {
			if at, ok := index[cur.Key]; ok {
				cycle := append([]string(nil), path[at:]...)
				cycles = append(cycles, cycle)
				for _, k := range cycle {
					reported[k] = true
				}
				break
			}
			if reported[cur.Key] {
				break
			}
			index[cur.Key] = len(path)
			path = append(path, cur.Key)
			cur = byKey[cur.Next()]
		}
	}
	return cycles
}
