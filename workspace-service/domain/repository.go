package domain

import (
	"context"
)

// TransitionRequest fires Trigger on a resource on behalf of RunID
type TransitionRequest struct {
	WorkspaceID  string
	ResourceID   string
	Trigger      Trigger
	RunID        string
	ErrorMessage string
	// Kind replaces the stored attributes when set
	Kind ResourceKind
}

// ResourceRepository persists controlled resource metadata
type ResourceRepository interface {
	// Create stores a CREATING row. Storing the same row again for the same owner
	// run succeeds; any other existing row is ErrResourceExists.
	Create(ctx context.Context, resource *ManagedResource) error
	Get(ctx context.Context, workspaceID, resourceID string) (*ManagedResource, error)
	List(ctx context.Context, workspaceID string) ([]*ManagedResource, error)
	// Transition applies a lifecycle trigger under the owner guard. The returned
	// resource is nil once the row is gone; a missing row counts as already gone for
	// triggers that lead to NOT_EXISTS.
	Transition(ctx context.Context, req TransitionRequest) (*ManagedResource, error)
}

// CloudContextRepository persists workspace cloud contexts
type CloudContextRepository interface {
	// Create stores a CREATING context; idempotent for the same owner run
	Create(ctx context.Context, cloudContext *CloudContext) error
	Get(ctx context.Context, workspaceID string) (*CloudContext, error)
	// MarkReady records the identity groups and releases the owner run
	MarkReady(ctx context.Context, workspaceID, runID string, policyGroups map[string]string) error
	// StartDelete moves a READY context to DELETING owned by runID
	StartDelete(ctx context.Context, workspaceID, runID string) error
	// Delete removes the context owned by runID; a missing context succeeds
	Delete(ctx context.Context, workspaceID, runID string) error
}
