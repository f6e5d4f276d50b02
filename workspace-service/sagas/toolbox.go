package sagas

import (
	"context"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
)

// Toolbox carries the collaborators the saga steps need. Builders hand each step
// only the members it uses.
type Toolbox struct {
	Resources     domain.ResourceRepository
	CloudContexts domain.CloudContextRepository
	Provisioner   domain.ResourceProvisioner
	Projects      domain.ProjectPool
	Billing       domain.BillingClient
	IAM           domain.IAMClient
}

// Register adds every workspace operation to registry
func (t *Toolbox) Register(registry *saga.Registry) {
	registry.Register(OpCreateControlledResource, t.buildCreateResource)
	registry.Register(OpUpdateControlledResource, t.buildUpdateResource)
	registry.Register(OpDeleteControlledResource, t.buildDeleteResource)
	registry.Register(OpCreateCloudContext, t.buildCreateCloudContext)
	registry.Register(OpCloneWorkspace, t.buildCloneWorkspace)
	registry.Register(OpDeleteWorkspace, t.buildDeleteWorkspace)
}

// cloudOps are the provisioner calls of one resource, picked once per kind
type cloudOps struct {
	create func(ctx context.Context, projectID string) error
	remove func(ctx context.Context, projectID string) error
	// update is nil for kinds that cannot be updated in place
	update func(ctx context.Context, projectID string) error
}

func opsFor(p domain.ResourceProvisioner, kind domain.ResourceKind) (cloudOps, error) {
	switch k := kind.(type) {
	case domain.Bucket:
		return cloudOps{
			create: func(ctx context.Context, project string) error { return p.CreateBucket(ctx, project, k) },
			remove: func(ctx context.Context, project string) error { return p.DeleteBucket(ctx, project, k.Name) },
			update: func(ctx context.Context, project string) error { return p.UpdateBucket(ctx, project, k) },
		}, nil
	case domain.Dataset:
		return cloudOps{
			create: func(ctx context.Context, project string) error { return p.CreateDataset(ctx, project, k) },
			remove: func(ctx context.Context, project string) error { return p.DeleteDataset(ctx, project, k.DatasetID) },
			update: func(ctx context.Context, project string) error { return p.UpdateDataset(ctx, project, k) },
		}, nil
	case domain.VM:
		return cloudOps{
			create: func(ctx context.Context, project string) error { return p.CreateVM(ctx, project, k) },
			remove: func(ctx context.Context, project string) error { return p.DeleteVM(ctx, project, k.Zone, k.InstanceName) },
		}, nil
	case domain.Notebook:
		return cloudOps{
			create: func(ctx context.Context, project string) error { return p.CreateNotebook(ctx, project, k) },
			remove: func(ctx context.Context, project string) error {
				return p.DeleteNotebook(ctx, project, k.Location, k.InstanceName)
			},
		}, nil
	case domain.StorageContainer:
		return cloudOps{
			create: func(ctx context.Context, project string) error { return p.CreateStorageContainer(ctx, project, k) },
			remove: func(ctx context.Context, project string) error {
				return p.DeleteStorageContainer(ctx, project, k.StorageAccount, k.Name)
			},
		}, nil
	default:
		return cloudOps{}, errors.Wrapf(domain.ErrUnknownKind, "%T", kind)
	}
}

func updatable(kind domain.ResourceKind) bool {
	switch kind.(type) {
	case domain.Bucket, domain.Dataset:
		return true
	default:
		return false
	}
}

// readyContext returns the cloud context resources of workspaceID live in
func (t *Toolbox) readyContext(ctx context.Context, workspaceID string) (*domain.CloudContext, error) {
	cc, err := t.CloudContexts.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !cc.IsReady() {
		return nil, errors.Wrapf(domain.ErrCloudContextNotReady, "workspace %s is %s", workspaceID, cc.State)
	}
	return cc, nil
}

// cloudResult classifies a collaborator error
func cloudResult(err error) saga.StepResult {
	switch {
	case err == nil:
		return saga.Success()
	case domain.IsRetryable(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return saga.Retry(err)
	default:
		return saga.Fatal(err)
	}
}

// repoResult classifies a metadata error: domain sentinels are final, anything
// else is treated as the database being unavailable
func repoResult(err error) saga.StepResult {
	switch {
	case err == nil:
		return saga.Success()
	case domain.IsDomainError(err):
		return saga.Fatal(err)
	default:
		return saga.Retry(err)
	}
}

// stored reads key from memory into a value of type T, computing and storing it
// with fn the first time
func stored[T any](sc *saga.StepContext, key string, fn func() (T, error)) (T, error) {
	if sc.Memory.Contains(key) {
		return saga.Value[T](sc.Memory, key)
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	return v, sc.Memory.Put(key, v)
}
