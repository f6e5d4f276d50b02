package domain

import (
	"context"
	"time"
)

// ResourceProvisioner creates and deletes cloud objects. Every call is idempotent:
// creating an object that exists with the same attributes, or deleting one that is
// gone, succeeds.
type ResourceProvisioner interface {
	CreateBucket(ctx context.Context, projectID string, bucket Bucket) error
	UpdateBucket(ctx context.Context, projectID string, bucket Bucket) error
	DeleteBucket(ctx context.Context, projectID, name string) error

	CreateDataset(ctx context.Context, projectID string, dataset Dataset) error
	UpdateDataset(ctx context.Context, projectID string, dataset Dataset) error
	DeleteDataset(ctx context.Context, projectID, datasetID string) error

	CreateVM(ctx context.Context, projectID string, vm VM) error
	DeleteVM(ctx context.Context, projectID, zone, name string) error

	CreateNotebook(ctx context.Context, projectID string, notebook Notebook) error
	DeleteNotebook(ctx context.Context, projectID, location, name string) error

	CreateStorageContainer(ctx context.Context, projectID string, container StorageContainer) error
	DeleteStorageContainer(ctx context.Context, projectID, account, name string) error

	// CopyContents copies the data of a bucket or dataset into an existing destination
	CopyContents(ctx context.Context, kind KindName, srcProject, srcName, dstProject, dstName string) error
}

// ProjectPool hands out pre-created cloud projects
type ProjectPool interface {
	// AllocateProject returns the same project for the same requestID
	AllocateProject(ctx context.Context, workspaceID, requestID string) (string, error)
	ReleaseProject(ctx context.Context, projectID string) error
}

type BillingClient interface {
	SetBillingAccount(ctx context.Context, projectID, account string) error
	ClearBillingAccount(ctx context.Context, projectID string) error
}

// IAMClient manages project roles, identity groups and resource bindings
type IAMClient interface {
	CreateCustomRoles(ctx context.Context, projectID string, roles []string) error
	DeleteCustomRoles(ctx context.Context, projectID string, roles []string) error

	// SyncPolicyGroups ensures one identity group per role and returns role -> group email
	SyncPolicyGroups(ctx context.Context, workspaceID string, roles []string) (map[string]string, error)
	RemovePolicyGroups(ctx context.Context, workspaceID string, roles []string) error

	ApplyProjectPolicy(ctx context.Context, projectID string, groups map[string]string) error
	RemoveProjectPolicy(ctx context.Context, projectID string, groups map[string]string) error

	GrantResourceAccess(ctx context.Context, projectID string, kind ResourceKind, groups map[string]string) error
	RevokeResourceAccess(ctx context.Context, projectID string, kind ResourceKind, groups map[string]string) error
}

// Action is a workspace permission
type Action string

const (
	ActionRead  Action = "READ"
	ActionWrite Action = "WRITE"
)

// Authorizer answers workspace permission checks
type Authorizer interface {
	HasWorkspaceAccess(ctx context.Context, subjectID, workspaceID string, action Action) (bool, error)
}

// ResourceLocker serializes jobs that target the same resource
type ResourceLocker interface {
	// Acquire takes key for owner and reports whether owner holds it afterwards.
	// Acquiring a key the owner already holds refreshes its ttl.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops key only while owner holds it
	Release(ctx context.Context, key, owner string) error
}
