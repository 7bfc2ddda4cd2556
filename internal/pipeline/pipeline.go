// Package pipeline runs an ordered list of stages over a shared, accreting Context.
//
// Each stage declares the fields it requires and the fields it produces. Field
// ownership is checked once in New: no two stages may produce the same field and
// every required field must be the subject or the output of an earlier stage.
// Run is sequential and fails fast on the first stage error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// StageFunc transforms a snapshot of the context into a partial update
type StageFunc func(ctx context.Context, in Context) (Partial, error)

// Stage is one named step of a pipeline
type Stage struct {
	Name     string
	Requires []Field
	Produces []Field
	Run      StageFunc
}

// Finisher post-processes the context after the last stage succeeds
type Finisher func(Context) Context

// Observer is called around each stage. BeforeStage is the cancellation
// checkpoint: returning ErrAborted stops the run without failing it.
type Observer interface {
	BeforeStage(ctx context.Context, index, total int, stage string) error
	AfterStage(ctx context.Context, index, total int, stage string, duration time.Duration) error
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithFinisher registers the finishing transform applied after the last stage
func WithFinisher(f Finisher) Option {
	return func(p *Pipeline) { p.finish = f }
}

// Pipeline is a validated, immutable list of stages
type Pipeline struct {
	stages []Stage
	finish Finisher
}

// New validates the stage list and builds a pipeline
func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, &ConfigurationError{Reason: "no stages registered"}
	}

	names := make(map[string]struct{}, len(stages))
	owner := map[Field]string{FieldSubject: "input"}
	for i, s := range stages {
		if s.Name == "" {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %d has no name", i)}
		}
		if _, dup := names[s.Name]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate stage name %q", s.Name)}
		}
		names[s.Name] = struct{}{}
		if s.Run == nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %q has no run function", s.Name)}
		}

		for _, f := range s.Requires {
			if !f.known() {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %q requires unknown field %q", s.Name, f)}
			}
			if _, ok := owner[f]; !ok {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %q requires %q which no earlier stage produces", s.Name, f)}
			}
		}
		for _, f := range s.Produces {
			if !f.known() {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("stage %q produces unknown field %q", s.Name, f)}
			}
			if prev, taken := owner[f]; taken {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("stages %q and %q both produce %q", prev, s.Name, f)}
			}
			owner[f] = s.Name
		}
	}

	p := &Pipeline{stages: append([]Stage(nil), stages...)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StageNames lists the stages in execution order
func (p *Pipeline) StageNames() []string {
	return lo.Map(p.stages, func(s Stage, _ int) string { return s.Name })
}

// Len returns the number of stages
func (p *Pipeline) Len() int { return len(p.stages) }

// Run executes every stage in order starting from a context holding only
// subject. obs may be nil. On failure the returned error is a *StageFailure,
// ErrAborted, or an observer error; no partial context is returned.
func (p *Pipeline) Run(ctx context.Context, subject string, obs Observer) (Context, error) {
	state := Context{Subject: subject}
	total := len(p.stages)

	for i, stage := range p.stages {
		if obs != nil {
			if err := obs.BeforeStage(ctx, i, total, stage.Name); err != nil {
				if errors.Is(err, ErrAborted) {
					return Context{}, ErrAborted
				}
				return Context{}, fmt.Errorf("before stage %s: %w", stage.Name, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return Context{}, &StageFailure{Stage: stage.Name, Err: err, Retryable: errors.Is(err, context.DeadlineExceeded)}
		}

		start := time.Now()
		out, err := stage.Run(ctx, state.clone())
		if err != nil {
			return Context{}, stageFailure(stage.Name, err)
		}
		if extra := undeclared(stage, out); len(extra) > 0 {
			return Context{}, &StageFailure{
				Stage: stage.Name,
				Err:   fmt.Errorf("wrote undeclared fields %s", strings.Join(extra, ", ")),
			}
		}
		state.apply(out)

		if obs != nil {
			if err := obs.AfterStage(ctx, i, total, stage.Name, time.Since(start)); err != nil {
				if errors.Is(err, ErrAborted) {
					return Context{}, ErrAborted
				}
				return Context{}, fmt.Errorf("after stage %s: %w", stage.Name, err)
			}
		}
	}

	if p.finish != nil {
		state = p.finish(state.clone())
	}
	return state, nil
}

func undeclared(stage Stage, out Partial) []string {
	var extra []string
	for _, f := range out.Fields() {
		if !lo.Contains(stage.Produces, f) {
			extra = append(extra, string(f))
		}
	}
	return extra
}
