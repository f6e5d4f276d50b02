package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Direction of cursor movement
type Direction string

const (
	DirectionForward Direction = "FORWARD"
	DirectionUndoing Direction = "UNDOING"
)

// Status of a run
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusFatal marks a dismal failure: undo itself failed and the run needs an operator.
	StatusFatal Status = "FATAL"
)

func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

// Working-memory keys with engine-defined meaning
const (
	// KeyResponse holds the payload copied into Run.Result on success
	KeyResponse = "saga.response"
)

// Run is one durable execution of a saga definition
type Run struct {
	ID            string
	OperationType string
	Description   string
	SubjectID     string
	WorkspaceID   string

	Inputs *Map
	Memory *Map

	Cursor        int
	Direction     Direction
	Status        Status
	Attempt       int
	NextAttemptAt time.Time

	Result  json.RawMessage
	Error   *RunError
	Failure *RunError

	LeaseHolder string
	LeaseExpiry time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewRunRequest describes a run to be created
type NewRunRequest struct {
	ID            string
	OperationType string
	Description   string
	SubjectID     string
	WorkspaceID   string
	Inputs        *Map
}

// NewRun builds a RUNNING run positioned before its first step
func NewRun(req NewRunRequest, now time.Time) *Run {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = NewMap()
	}

	return &Run{
		ID:            id,
		OperationType: req.OperationType,
		Description:   req.Description,
		SubjectID:     req.SubjectID,
		WorkspaceID:   req.WorkspaceID,
		Inputs:        inputs.Clone(),
		Memory:        NewMap(),
		Cursor:        0,
		Direction:     DirectionForward,
		Status:        StatusRunning,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so stores never share mutable state with the engine
func (r *Run) Clone() *Run {
	cp := *r
	cp.Inputs = r.Inputs.Clone()
	cp.Memory = r.Memory.Clone()
	if r.Result != nil {
		cp.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	if r.Failure != nil {
		f := *r.Failure
		cp.Failure = &f
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// transition is the effect of one step result on the run
type transition struct {
	retryDelay time.Duration
	dismal     bool
}

// apply advances the cursor state machine for the result of the step at the
// cursor. stepCount is the length of the definition; policy is the retry policy for
// the current direction.
func (r *Run) apply(result StepResult, stepCount int, policy RetryPolicy, now time.Time) transition {
	r.UpdatedAt = now

	if r.Direction == DirectionForward {
		return r.applyForward(result, stepCount, policy, now)
	}
	return r.applyUndo(result, policy, now)
}

func (r *Run) applyForward(result StepResult, stepCount int, policy RetryPolicy, now time.Time) transition {
	switch result.Outcome {
	case OutcomeSuccess:
		r.Cursor++
		r.resetAttempts(now)
		if r.Cursor >= stepCount {
			r.succeed(now)
		}
	case OutcomeRerun:
		r.resetAttempts(now)
	case OutcomeRetryableFailure:
		if delay, ok := policy.Next(r.Attempt + 1); ok {
			r.Attempt++
			r.NextAttemptAt = now.Add(delay)
			return transition{retryDelay: delay}
		}
		r.startUndo(withCause(ErrRetryExhausted, result.Cause), now)
	default:
		r.startUndo(result.Cause, now)
	}
	return transition{}
}

func (r *Run) applyUndo(result StepResult, policy RetryPolicy, now time.Time) transition {
	switch result.Outcome {
	case OutcomeSuccess:
		r.Cursor--
		r.resetAttempts(now)
		if r.Cursor < 0 {
			r.fail(now)
		}
	case OutcomeRerun:
		r.resetAttempts(now)
	case OutcomeRetryableFailure:
		if delay, ok := policy.Next(r.Attempt + 1); ok {
			r.Attempt++
			r.NextAttemptAt = now.Add(delay)
			return transition{retryDelay: delay}
		}
		r.dismal(withCause(ErrRetryExhausted, result.Cause), now)
		return transition{dismal: true}
	default:
		r.dismal(result.Cause, now)
		return transition{dismal: true}
	}
	return transition{}
}

func (r *Run) resetAttempts(now time.Time) {
	r.Attempt = 0
	r.NextAttemptAt = now
}

func (r *Run) startUndo(cause error, now time.Time) {
	if cause == nil {
		cause = ErrNotRunnable
	}
	r.Failure = NewRunError(cause)
	r.Direction = DirectionUndoing
	r.Cursor--
	r.resetAttempts(now)
	if r.Cursor < 0 {
		r.fail(now)
	}
}

func (r *Run) succeed(now time.Time) {
	r.Status = StatusSucceeded
	if raw, ok := r.Memory.Raw(KeyResponse); ok {
		r.Result = raw
	}
	r.CompletedAt = &now
}

func (r *Run) fail(now time.Time) {
	r.Status = StatusFailed
	r.Error = r.Failure
	r.CompletedAt = &now
}

func (r *Run) dismal(cause error, now time.Time) {
	if cause == nil {
		cause = ErrUndoImpossible
	}
	undoErr := NewRunError(cause)
	if r.Failure != nil {
		undoErr.Causes = append(undoErr.Causes, "original failure: "+r.Failure.Message)
	}
	r.Status = StatusFatal
	r.Error = undoErr
	r.CompletedAt = &now
}

// markFatal ends a run that cannot be driven at all (unknown operation, corrupt cursor)
func (r *Run) markFatal(cause error, now time.Time) {
	r.UpdatedAt = now
	r.dismal(cause, now)
}

func withCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return &wrappedCause{sentinel: sentinel, cause: cause}
}

type wrappedCause struct {
	sentinel error
	cause    error
}

func (w *wrappedCause) Error() string {
	return w.sentinel.Error() + ": " + w.cause.Error()
}

func (w *wrappedCause) Unwrap() error {
	return w.cause
}

func (w *wrappedCause) Is(target error) bool {
	return target == w.sentinel
}
