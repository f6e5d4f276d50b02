package saga

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ApplyForward(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("success advances and finishes", func(t *testing.T) {
		run := NewRun(NewRunRequest{OperationType: "OP"}, now)
		require.NoError(t, run.Memory.Put(KeyResponse, "done"))

		run.apply(Success(), 2, NoRetry(), now)
		assert.Equal(t, 1, run.Cursor)
		assert.Equal(t, StatusRunning, run.Status)

		run.apply(Success(), 2, NoRetry(), now)
		assert.Equal(t, StatusSucceeded, run.Status)
		assert.JSONEq(t, `"done"`, string(run.Result))
	})

	t.Run("retry schedules next attempt", func(t *testing.T) {
		run := NewRun(NewRunRequest{OperationType: "OP"}, now)

		tr := run.apply(Retry(errors.New("busy")), 2, Fixed(time.Second, 1), now)
		assert.Equal(t, time.Second, tr.retryDelay)
		assert.Equal(t, 1, run.Attempt)
		assert.Equal(t, now.Add(time.Second), run.NextAttemptAt)
		assert.Equal(t, 0, run.Cursor)
	})

	t.Run("rerun keeps cursor and resets attempts", func(t *testing.T) {
		run := NewRun(NewRunRequest{OperationType: "OP"}, now)
		run.Attempt = 2

		run.apply(Rerun(), 2, NoRetry(), now)
		assert.Equal(t, 0, run.Cursor)
		assert.Equal(t, 0, run.Attempt)
		assert.Equal(t, StatusRunning, run.Status)
	})

	t.Run("fatal on first step fails without undo", func(t *testing.T) {
		run := NewRun(NewRunRequest{OperationType: "OP"}, now)

		run.apply(Fatal(errors.New("bad input")), 2, NoRetry(), now)
		assert.Equal(t, StatusFailed, run.Status)
		assert.Equal(t, "bad input", run.Error.Message)
	})
}

func TestRun_ApplyUndo(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	newUndoing := func() *Run {
		run := NewRun(NewRunRequest{OperationType: "OP"}, now)
		run.Cursor = 2
		run.apply(Fatal(errors.New("quota exceeded")), 3, NoRetry(), now)
		return run
	}

	t.Run("fatal starts undo at previous step", func(t *testing.T) {
		run := newUndoing()
		assert.Equal(t, DirectionUndoing, run.Direction)
		assert.Equal(t, 1, run.Cursor)
		assert.Equal(t, "quota exceeded", run.Failure.Message)
	})

	t.Run("undo success walks back to failed", func(t *testing.T) {
		run := newUndoing()
		run.apply(Success(), 3, NoRetry(), now)
		run.apply(Success(), 3, NoRetry(), now)

		assert.Equal(t, StatusFailed, run.Status)
		assert.Equal(t, -1, run.Cursor)
		assert.Equal(t, "quota exceeded", run.Error.Message)
	})

	t.Run("undo retry budget exhausted is dismal", func(t *testing.T) {
		run := newUndoing()
		tr := run.apply(Retry(errors.New("busy")), 3, NoRetry(), now)

		assert.True(t, tr.dismal)
		assert.Equal(t, StatusFatal, run.Status)
		assert.Contains(t, run.Error.Message, ErrRetryExhausted.Error())
		assert.Contains(t, run.Error.Causes, "original failure: quota exceeded")
	})

	t.Run("irreversible step", func(t *testing.T) {
		run := newUndoing()
		tr := run.apply(Irreversible{}.Undo(context.TODO(), &StepContext{}), 3, NoRetry(), now)

		assert.True(t, tr.dismal)
		assert.Equal(t, ErrUndoImpossible.Error(), run.Error.Message)
	})
}

type forbidden struct{}

func (forbidden) Error() string   { return "caller lacks WRITE on workspace" }
func (forbidden) StatusCode() int { return 403 }

func TestNewRunError(t *testing.T) {
	err := errors.Wrap(forbidden{}, "failed to create bucket")

	runErr := NewRunError(err)
	assert.Equal(t, "failed to create bucket: caller lacks WRITE on workspace", runErr.Message)
	assert.Equal(t, 403, runErr.StatusCode)
	assert.Equal(t, []string{"caller lacks WRITE on workspace"}, runErr.Causes)

	assert.Nil(t, NewRunError(nil))
	assert.Equal(t, 500, NewRunError(errors.New("boom")).StatusCode)
}
