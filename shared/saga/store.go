package saga

import (
	"context"
	"time"
)

// ListFilter selects runs for job enumeration
type ListFilter struct {
	SubjectID   string
	WorkspaceID string
	Offset      int
	Limit       int
}

// Store is the durable source of truth for runs. Every mutation made by a driving
// engine goes through Checkpoint, which only succeeds for the current lease holder.
type Store interface {
	// Create persists a new run. ErrRunExists when the id is taken.
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Claim takes the lease of a RUNNING run if it is free, expired or already ours.
	Claim(ctx context.Context, id, holder string, ttl time.Duration, now time.Time) (*Run, error)
	Renew(ctx context.Context, id, holder string, ttl time.Duration, now time.Time) error
	Checkpoint(ctx context.Context, run *Run, holder string) error
	Release(ctx context.Context, id, holder string) error
	// ListRunnable returns RUNNING runs that are due and not leased by a live engine.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]string, error)
	List(ctx context.Context, filter ListFilter) ([]*Run, error)
}
