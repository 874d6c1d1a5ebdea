// Package pipeline runs the gap discovery phases over one job's data.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/GapFinder/internal/logger"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Kind     Kind
	Name     string
	Summary  string
	Err      error
	Duration time.Duration
}

// Result holds the results of a pipeline run.
type Result struct {
	ChannelID string
	Steps     []StepResult
}

// Hooks observe phase boundaries. Either may be nil.
type Hooks struct {
	PhaseStarted func(Kind)
	PhaseDone    func(StepResult)
}

// Pipeline orchestrates the six gap discovery phases.
type Pipeline struct {
	phases []Phase
	log    logger.Logger
}

// New builds every phase from deps.
func New(deps *Deps) (*Pipeline, error) {
	p := &Pipeline{log: logger.NewNop()}
	if deps != nil && deps.Log != nil {
		p.log = deps.Log
	}
	for _, k := range Kinds() {
		phase, err := PhaseFor(k, deps)
		if err != nil {
			return nil, err
		}
		p.phases = append(p.phases, phase)
	}
	return p, nil
}

// Run executes the phases starting at from. It stops at the first phase
// that fails and returns that phase's error; the steps run so far are
// always returned.
func (p *Pipeline) Run(ctx context.Context, state *State, from Kind, hooks Hooks) (*Result, error) {
	r := &Result{ChannelID: state.ChannelID}

	for _, phase := range p.phases {
		kind := phase.Kind()
		if kind < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r, fmt.Errorf("before %s phase: %w", kind, err)
		}

		if hooks.PhaseStarted != nil {
			hooks.PhaseStarted(kind)
		}
		p.log.Info(fmt.Sprintf("Step %d/%d: %s", int(kind)+1, len(p.phases), kind))

		start := time.Now()
		step := phase.Run(ctx, state)
		step.Kind = kind
		step.Name = kind.String()
		step.Duration = time.Since(start)
		r.Steps = append(r.Steps, step)

		if hooks.PhaseDone != nil {
			hooks.PhaseDone(step)
		}
		if step.Err != nil {
			p.log.Error("phase failed", logger.String("phase", step.Name), logger.Error(step.Err))
			return r, fmt.Errorf("%s phase: %w", kind, step.Err)
		}
		p.log.Info(step.Summary, logger.String("phase", step.Name), logger.Duration("took", step.Duration))
	}
	return r, nil
}

// DryRun shows what each phase would process without calling any
// collaborator. Only the deterministic filter is evaluated.
func (p *Pipeline) DryRun(state *State) *Result {
	r := &Result{ChannelID: state.ChannelID}

	transcripts := 0
	for _, v := range state.Videos {
		if v.HasTranscript() {
			transcripts++
		}
	}

	var kept int
	for _, phase := range p.phases {
		if f, ok := phase.(filterPhase); ok {
			high, _ := f.filter.Filter(state.Comments)
			kept = len(high)
		}
	}

	r.Steps = append(r.Steps,
		StepResult{Kind: KindFilter, Name: KindFilter.String(),
			Summary: fmt.Sprintf("[dry-run] %d comments from %d videos; %d would pass the filter", len(state.Comments), len(state.Videos), kept)},
		StepResult{Kind: KindExtract, Name: KindExtract.String(),
			Summary: fmt.Sprintf("[dry-run] %d high-signal comments would be sent for extraction", kept)},
		StepResult{Kind: KindCluster, Name: KindCluster.String(),
			Summary: "[dry-run] Would cluster extracted pain points"},
		StepResult{Kind: KindVerify, Name: KindVerify.String(),
			Summary: fmt.Sprintf("[dry-run] %d of %d videos have transcripts to verify against", transcripts, len(state.Videos))},
		StepResult{Kind: KindEnrich, Name: KindEnrich.String(),
			Summary: "[dry-run] Would look up trend data for open clusters"},
		StepResult{Kind: KindScore, Name: KindScore.String(),
			Summary: "[dry-run] Would rank gaps and generate titles"},
	)
	return r
}

