package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Lease(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, NewRun(NewRunRequest{ID: "job-1", OperationType: "OP"}, now)))

	run, err := store.Claim(ctx, "job-1", "engine-a", 30*time.Second, now)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", run.LeaseHolder)

	_, err = store.Claim(ctx, "job-1", "engine-b", 30*time.Second, now.Add(10*time.Second))
	assert.ErrorIs(t, err, ErrLeaseHeld)

	run.Cursor = 1
	assert.ErrorIs(t, store.Checkpoint(ctx, run, "engine-b"), ErrLeaseLost)
	require.NoError(t, store.Checkpoint(ctx, run, "engine-a"))

	// engine-a went silent; engine-b takes over once the lease expires
	taken, err := store.Claim(ctx, "job-1", "engine-b", 30*time.Second, now.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, taken.Cursor)

	assert.ErrorIs(t, store.Checkpoint(ctx, run, "engine-a"), ErrLeaseLost)
	assert.ErrorIs(t, store.Renew(ctx, "job-1", "engine-a", time.Second, now), ErrLeaseLost)

	require.NoError(t, store.Release(ctx, "job-1", "engine-b"))
	released, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, released.LeaseHolder)
}

func TestMemoryStore_ClaimTerminalRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := NewRun(NewRunRequest{ID: "job-1", OperationType: "OP"}, time.Now())
	run.Status = StatusSucceeded
	require.NoError(t, store.Create(ctx, run))

	_, err := store.Claim(ctx, "job-1", "engine-a", time.Second, time.Now())
	assert.ErrorIs(t, err, ErrNotRunnable)

	_, err = store.Claim(ctx, "job-2", "engine-a", time.Second, time.Now())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestMemoryStore_ListRunnable(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()

	due := NewRun(NewRunRequest{ID: "due", OperationType: "OP"}, now.Add(-time.Minute))
	backingOff := NewRun(NewRunRequest{ID: "backing-off", OperationType: "OP"}, now)
	backingOff.NextAttemptAt = now.Add(time.Minute)
	leased := NewRun(NewRunRequest{ID: "leased", OperationType: "OP"}, now.Add(-2*time.Minute))
	done := NewRun(NewRunRequest{ID: "done", OperationType: "OP"}, now.Add(-3*time.Minute))
	done.Status = StatusFailed
	oldest := NewRun(NewRunRequest{ID: "oldest", OperationType: "OP"}, now.Add(-time.Hour))

	for _, run := range []*Run{due, backingOff, leased, done, oldest} {
		require.NoError(t, store.Create(ctx, run))
	}
	_, err := store.Claim(ctx, "leased", "engine-a", time.Minute, now)
	require.NoError(t, err)

	ids, err := store.ListRunnable(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"oldest", "due"}, ids)

	ids, err = store.ListRunnable(ctx, now, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"oldest"}, ids)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()

	for i, id := range []string{"a", "b", "c"} {
		run := NewRun(NewRunRequest{ID: id, OperationType: "OP", SubjectID: "user-1"}, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Create(ctx, run))
	}
	require.NoError(t, store.Create(ctx, NewRun(NewRunRequest{ID: "other", OperationType: "OP", SubjectID: "user-2"}, now)))

	runs, err := store.List(ctx, ListFilter{SubjectID: "user-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	runs, err = store.List(ctx, ListFilter{SubjectID: "user-1", Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].ID)

	runs, err = store.List(ctx, ListFilter{SubjectID: "user-1", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)
}
