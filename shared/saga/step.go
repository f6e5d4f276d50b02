package saga

import (
	"context"

	"github.com/draftea/workspace-manager/shared/logger"
)

// Outcome is the tri-state result of a step action, plus RERUN
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeRetryableFailure Outcome = "RETRYABLE_FAILURE"
	OutcomeFatalFailure     Outcome = "FATAL_FAILURE"
	// OutcomeRerun checkpoints working memory and invokes the same step again.
	OutcomeRerun Outcome = "RERUN"
)

// StepResult is what Do and Undo return instead of raising errors
type StepResult struct {
	Outcome Outcome
	Cause   error
}

func Success() StepResult {
	return StepResult{Outcome: OutcomeSuccess}
}

func Retry(cause error) StepResult {
	return StepResult{Outcome: OutcomeRetryableFailure, Cause: cause}
}

func Fatal(cause error) StepResult {
	return StepResult{Outcome: OutcomeFatalFailure, Cause: cause}
}

func Rerun() StepResult {
	return StepResult{Outcome: OutcomeRerun}
}

func (r StepResult) IsSuccess() bool {
	return r.Outcome == OutcomeSuccess
}

// Step is one unit of forward and compensating work.
//
// Both actions must be idempotent: Do may run again after a crash or a retryable
// failure, and Undo must return Success when there is nothing left to undo.
type Step interface {
	Do(ctx context.Context, sc *StepContext) StepResult
	Undo(ctx context.Context, sc *StepContext) StepResult
}

// StepContext is what a step sees of its run
type StepContext struct {
	RunID     string
	StepName  string
	StepIndex int
	Attempt   int
	Direction Direction
	Inputs    Reader
	Memory    *Map
	Logger    *logger.Logger
}

// NoUndo is embedded by steps whose forward action has nothing to compensate
type NoUndo struct{}

func (NoUndo) Undo(context.Context, *StepContext) StepResult {
	return Success()
}

// Irreversible is embedded by steps past the point of no return. Undoing one is a
// dismal failure.
type Irreversible struct{}

func (Irreversible) Undo(context.Context, *StepContext) StepResult {
	return Fatal(ErrUndoImpossible)
}

// StepFunc adapts a pair of functions to Step
type StepFunc struct {
	DoFunc   func(ctx context.Context, sc *StepContext) StepResult
	UndoFunc func(ctx context.Context, sc *StepContext) StepResult
}

func (f StepFunc) Do(ctx context.Context, sc *StepContext) StepResult {
	return f.DoFunc(ctx, sc)
}

func (f StepFunc) Undo(ctx context.Context, sc *StepContext) StepResult {
	if f.UndoFunc == nil {
		return Success()
	}
	return f.UndoFunc(ctx, sc)
}
