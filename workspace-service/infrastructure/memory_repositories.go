package infrastructure

import (
	"context"
	"sort"
	"time"

	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	_ domain.ResourceRepository     = (*MemoryResourceRepository)(nil)
	_ domain.CloudContextRepository = (*MemoryCloudContextRepository)(nil)
)

// MemoryResourceRepository keeps resources in process. Every write goes through
// Compute, so a transition is atomic per resource like the row lock in Postgres.
type MemoryResourceRepository struct {
	resources *xsync.MapOf[string, *domain.ManagedResource]
}

func NewMemoryResourceRepository() *MemoryResourceRepository {
	return &MemoryResourceRepository{resources: xsync.NewMapOf[string, *domain.ManagedResource]()}
}

func resourceKey(workspaceID, resourceID string) string {
	return workspaceID + "/" + resourceID
}

func copyResource(r *domain.ManagedResource) *domain.ManagedResource {
	cp := *r
	return &cp
}

func (m *MemoryResourceRepository) Create(_ context.Context, resource *domain.ManagedResource) error {
	var err error

	m.resources.Range(func(_ string, existing *domain.ManagedResource) bool {
		if existing.WorkspaceID == resource.WorkspaceID && existing.Name == resource.Name && existing.ResourceID != resource.ResourceID {
			err = errors.Wrapf(domain.ErrResourceExists, "name %s in workspace %s", resource.Name, resource.WorkspaceID)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	m.resources.Compute(resourceKey(resource.WorkspaceID, resource.ResourceID), func(existing *domain.ManagedResource, loaded bool) (*domain.ManagedResource, bool) {
		if !loaded {
			return copyResource(resource), false
		}
		if resource.OwnerRunID == "" || existing.OwnerRunID != resource.OwnerRunID {
			err = errors.Wrapf(domain.ErrResourceExists, "resource %s in workspace %s", resource.ResourceID, resource.WorkspaceID)
		}
		return existing, false
	})
	return err
}

func (m *MemoryResourceRepository) Get(_ context.Context, workspaceID, resourceID string) (*domain.ManagedResource, error) {
	r, ok := m.resources.Load(resourceKey(workspaceID, resourceID))
	if !ok {
		return nil, errors.Wrapf(domain.ErrResourceNotFound, "resource %s in workspace %s", resourceID, workspaceID)
	}
	return copyResource(r), nil
}

func (m *MemoryResourceRepository) List(_ context.Context, workspaceID string) ([]*domain.ManagedResource, error) {
	var out []*domain.ManagedResource
	m.resources.Range(func(_ string, r *domain.ManagedResource) bool {
		if r.WorkspaceID == workspaceID {
			out = append(out, copyResource(r))
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out, nil
}

func (m *MemoryResourceRepository) Transition(_ context.Context, req domain.TransitionRequest) (*domain.ManagedResource, error) {
	target, ok := req.Trigger.Target()
	if !ok {
		return nil, errors.Wrapf(domain.ErrInvalidTransition, "unknown trigger %q", req.Trigger)
	}

	var (
		result *domain.ManagedResource
		err    error
	)

	m.resources.Compute(resourceKey(req.WorkspaceID, req.ResourceID), func(current *domain.ManagedResource, loaded bool) (*domain.ManagedResource, bool) {
		if !loaded {
			if target != domain.StateNotExists {
				err = errors.Wrapf(domain.ErrResourceNotFound, "resource %s in workspace %s", req.ResourceID, req.WorkspaceID)
			}
			return nil, true
		}

		next := copyResource(current)
		changed, applyErr := next.Apply(req.Trigger, req.RunID)
		if applyErr != nil {
			err = applyErr
			return current, false
		}
		if !changed {
			result = copyResource(current)
			return current, false
		}
		if next.State == domain.StateNotExists {
			return nil, true
		}

		if req.Kind != nil {
			if req.Kind.Kind() != next.Kind.Kind() {
				err = errors.Wrapf(domain.ErrInvalidResource, "cannot change %s into %s", next.Kind.Kind(), req.Kind.Kind())
				return current, false
			}
			next.Kind = req.Kind
		}
		if next.State == domain.StateBroken && req.ErrorMessage != "" {
			next.ErrorMessage = req.ErrorMessage
		}

		result = copyResource(next)
		return next, false
	})

	return result, err
}

// MemoryCloudContextRepository keeps cloud contexts in process
type MemoryCloudContextRepository struct {
	contexts *xsync.MapOf[string, *domain.CloudContext]
}

func NewMemoryCloudContextRepository() *MemoryCloudContextRepository {
	return &MemoryCloudContextRepository{contexts: xsync.NewMapOf[string, *domain.CloudContext]()}
}

func copyCloudContext(cc *domain.CloudContext) *domain.CloudContext {
	cp := *cc
	cp.CustomRoles = append([]string(nil), cc.CustomRoles...)
	if cc.PolicyGroups != nil {
		cp.PolicyGroups = make(map[string]string, len(cc.PolicyGroups))
		for k, v := range cc.PolicyGroups {
			cp.PolicyGroups[k] = v
		}
	}
	return &cp
}

func (m *MemoryCloudContextRepository) Create(_ context.Context, cc *domain.CloudContext) error {
	var err error
	now := time.Now().UTC()

	m.contexts.Compute(cc.WorkspaceID, func(existing *domain.CloudContext, loaded bool) (*domain.CloudContext, bool) {
		if loaded {
			if cc.OwnerRunID == "" || existing.OwnerRunID != cc.OwnerRunID {
				err = errors.Wrapf(domain.ErrCloudContextExists, "workspace %s", cc.WorkspaceID)
			}
			return existing, false
		}
		next := copyCloudContext(cc)
		next.State = domain.CloudContextCreating
		next.CreatedAt = now
		next.UpdatedAt = now
		return next, false
	})
	return err
}

func (m *MemoryCloudContextRepository) Get(_ context.Context, workspaceID string) (*domain.CloudContext, error) {
	cc, ok := m.contexts.Load(workspaceID)
	if !ok {
		return nil, errors.Wrapf(domain.ErrCloudContextNotFound, "workspace %s", workspaceID)
	}
	return copyCloudContext(cc), nil
}

func (m *MemoryCloudContextRepository) MarkReady(_ context.Context, workspaceID, runID string, policyGroups map[string]string) error {
	return m.update(workspaceID, func(cc *domain.CloudContext) (bool, error) {
		if cc.State == domain.CloudContextReady && cc.OwnerRunID == "" {
			return false, nil
		}
		if cc.State != domain.CloudContextCreating || cc.OwnerRunID != runID {
			return false, busyContext(cc)
		}
		cc.State = domain.CloudContextReady
		cc.OwnerRunID = ""
		cc.PolicyGroups = policyGroups
		return true, nil
	})
}

func (m *MemoryCloudContextRepository) StartDelete(_ context.Context, workspaceID, runID string) error {
	return m.update(workspaceID, func(cc *domain.CloudContext) (bool, error) {
		if cc.State == domain.CloudContextDeleting && cc.OwnerRunID == runID {
			return false, nil
		}
		if cc.State != domain.CloudContextReady || cc.OwnerRunID != "" {
			return false, busyContext(cc)
		}
		cc.State = domain.CloudContextDeleting
		cc.OwnerRunID = runID
		return true, nil
	})
}

func (m *MemoryCloudContextRepository) Delete(_ context.Context, workspaceID, runID string) error {
	var err error
	m.contexts.Compute(workspaceID, func(cc *domain.CloudContext, loaded bool) (*domain.CloudContext, bool) {
		if !loaded {
			return nil, true
		}
		if cc.OwnerRunID != runID {
			err = busyContext(cc)
			return cc, false
		}
		return nil, true
	})
	return err
}

func (m *MemoryCloudContextRepository) update(workspaceID string, fn func(*domain.CloudContext) (bool, error)) error {
	var err error
	m.contexts.Compute(workspaceID, func(cc *domain.CloudContext, loaded bool) (*domain.CloudContext, bool) {
		if !loaded {
			err = errors.Wrapf(domain.ErrCloudContextNotFound, "workspace %s", workspaceID)
			return nil, true
		}
		next := copyCloudContext(cc)
		changed, fnErr := fn(next)
		if fnErr != nil || !changed {
			err = fnErr
			return cc, false
		}
		next.UpdatedAt = time.Now().UTC()
		return next, false
	})
	return err
}

func busyContext(cc *domain.CloudContext) error {
	return errors.Wrapf(domain.ErrResourceBusy, "cloud context of workspace %s is %s owned by %q", cc.WorkspaceID, cc.State, cc.OwnerRunID)
}
