package saga

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunExists         = errors.New("run already exists")
	ErrLeaseHeld         = errors.New("run lease held by another engine")
	ErrLeaseLost         = errors.New("run lease lost")
	ErrNotRunnable       = errors.New("run is not runnable")
	ErrUnknownOperation  = errors.New("unknown operation type")
	ErrUndoImpossible    = errors.New("step cannot be undone")
	ErrRetryExhausted    = errors.New("retry budget exhausted")
	ErrInvalidDefinition = errors.New("invalid saga definition")
)

// RunError is the terminal error of a run as exposed to job pollers
type RunError struct {
	Message    string   `json:"message"`
	StatusCode int      `json:"statusCode"`
	Causes     []string `json:"causes,omitempty"`
}

func (e *RunError) Error() string {
	return e.Message
}

// StatusCoder lets step errors carry an HTTP-style status for the job report
type StatusCoder interface {
	StatusCode() int
}

// NewRunError flattens err and its wrapped causes into a RunError
func NewRunError(err error) *RunError {
	if err == nil {
		return nil
	}

	var existing *RunError
	if errors.As(err, &existing) {
		return existing
	}

	runErr := &RunError{
		Message:    err.Error(),
		StatusCode: http.StatusInternalServerError,
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		runErr.StatusCode = coder.StatusCode()
	}

	seen := err.Error()
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		msg := cause.Error()
		if msg == seen {
			continue
		}
		runErr.Causes = append(runErr.Causes, msg)
		seen = msg
	}

	return runErr
}

// panicError wraps a value recovered from a panicking step
type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return fmt.Sprintf("step panicked: %v", p.value)
}
