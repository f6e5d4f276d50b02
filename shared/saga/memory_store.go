package saga

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is an in-process Store. Engines sharing one MemoryStore behave like
// engines sharing one database, which is how lease races are exercised in tests.
type MemoryStore struct {
	runs *xsync.MapOf[string, *Run]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: xsync.NewMapOf[string, *Run]()}
}

func (s *MemoryStore) Create(_ context.Context, run *Run) error {
	if _, loaded := s.runs.LoadOrStore(run.ID, run.Clone()); loaded {
		return errors.Wrapf(ErrRunExists, "run %s", run.ID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	run, ok := s.runs.Load(id)
	if !ok {
		return nil, errors.Wrapf(ErrRunNotFound, "run %s", id)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Claim(_ context.Context, id, holder string, ttl time.Duration, now time.Time) (*Run, error) {
	var (
		claimed *Run
		err     error
	)

	s.runs.Compute(id, func(current *Run, loaded bool) (*Run, bool) {
		if !loaded {
			err = errors.Wrapf(ErrRunNotFound, "run %s", id)
			return current, true
		}
		if current.Status != StatusRunning {
			err = errors.Wrapf(ErrNotRunnable, "run %s is %s", id, current.Status)
			return current, false
		}
		if !leaseAvailable(current, holder, now) {
			err = errors.Wrapf(ErrLeaseHeld, "run %s held by %s", id, current.LeaseHolder)
			return current, false
		}

		next := current.Clone()
		next.LeaseHolder = holder
		next.LeaseExpiry = now.Add(ttl)
		claimed = next.Clone()
		return next, false
	})

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *MemoryStore) Renew(_ context.Context, id, holder string, ttl time.Duration, now time.Time) error {
	var err error
	s.runs.Compute(id, func(current *Run, loaded bool) (*Run, bool) {
		if !loaded {
			err = errors.Wrapf(ErrRunNotFound, "run %s", id)
			return current, true
		}
		if current.LeaseHolder != holder {
			err = errors.Wrapf(ErrLeaseLost, "run %s", id)
			return current, false
		}
		next := current.Clone()
		next.LeaseExpiry = now.Add(ttl)
		return next, false
	})
	return err
}

func (s *MemoryStore) Checkpoint(_ context.Context, run *Run, holder string) error {
	var err error
	s.runs.Compute(run.ID, func(current *Run, loaded bool) (*Run, bool) {
		if !loaded {
			err = errors.Wrapf(ErrRunNotFound, "run %s", run.ID)
			return current, true
		}
		if current.LeaseHolder != holder {
			err = errors.Wrapf(ErrLeaseLost, "run %s", run.ID)
			return current, false
		}
		next := run.Clone()
		next.LeaseHolder = current.LeaseHolder
		next.LeaseExpiry = current.LeaseExpiry
		return next, false
	})
	return err
}

func (s *MemoryStore) Release(_ context.Context, id, holder string) error {
	s.runs.Compute(id, func(current *Run, loaded bool) (*Run, bool) {
		if !loaded {
			return current, true
		}
		if current.LeaseHolder != holder {
			return current, false
		}
		next := current.Clone()
		next.LeaseHolder = ""
		next.LeaseExpiry = time.Time{}
		return next, false
	})
	return nil
}

func (s *MemoryStore) ListRunnable(_ context.Context, now time.Time, limit int) ([]string, error) {
	var due []*Run
	s.runs.Range(func(_ string, run *Run) bool {
		if run.Status == StatusRunning && !run.NextAttemptAt.After(now) && leaseAvailable(run, "", now) {
			due = append(due, run)
		}
		return true
	})

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})

	ids := make([]string, 0, len(due))
	for _, run := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Run, error) {
	var matched []*Run
	s.runs.Range(func(_ string, run *Run) bool {
		if filter.SubjectID != "" && run.SubjectID != filter.SubjectID {
			return true
		}
		if filter.WorkspaceID != "" && run.WorkspaceID != filter.WorkspaceID {
			return true
		}
		matched = append(matched, run.Clone())
		return true
	})

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []*Run{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func leaseAvailable(run *Run, holder string, now time.Time) bool {
	if run.LeaseHolder == "" {
		return true
	}
	if holder != "" && run.LeaseHolder == holder {
		return true
	}
	return !run.LeaseExpiry.After(now)
}
