package sagas

import (
	"context"
	"fmt"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
)

// ResourceResponse is the result of the controlled resource operations
type ResourceResponse struct {
	WorkspaceID string               `json:"workspace_id"`
	ResourceID  string               `json:"resource_id"`
	Name        string               `json:"name"`
	Resource    ResourceSpec         `json:"resource"`
	State       domain.ResourceState `json:"state"`
}

// createTarget is what every create step knows about the resource
type createTarget struct {
	workspaceID string
	resourceID  string
	name        string
	kind        domain.ResourceKind
	cloning     domain.CloningInstructions
	ops         cloudOps
}

func (t *Toolbox) buildCreateResource(inputs saga.Reader) (*saga.Definition, error) {
	in, err := readInputs[CreateResourceParams](inputs)
	if err != nil {
		return nil, err
	}

	kind, err := in.params.Resource.Decode()
	if err != nil {
		return nil, err
	}
	onFailure, err := in.settings.ResolveOnCreateFailure(in.params.OnCreateFailure, kind.Kind())
	if err != nil {
		return nil, err
	}
	ops, err := opsFor(t.Provisioner, kind)
	if err != nil {
		return nil, err
	}
	if in.params.ResourceID == "" {
		return nil, errors.Wrap(ErrInvalidParameters, "resource_id is required")
	}

	target := &createTarget{
		workspaceID: in.workspaceID,
		resourceID:  in.params.ResourceID,
		name:        in.params.Name,
		kind:        kind,
		cloning:     in.params.CloningInstructions,
		ops:         ops,
	}
	s := in.settings
	undo := s.UndoRetry.Policy()

	return saga.NewDefinition(OpCreateControlledResource).
		AddStepWithRetries("create-metadata", &createMetadataStep{resources: t.Resources, target: target, onFailure: onFailure}, s.MetadataRetry.Policy(), undo).
		AddStepWithRetries("create-cloud-object", &createCloudObjectStep{toolbox: t, target: target}, s.CloudRetry.Policy(), undo).
		AddStepWithRetries("grant-resource-iam", &grantResourceIAMStep{toolbox: t, target: target}, s.IAMRetry.Policy(), undo).
		AddStepWithRetry("mark-ready", &markReadyStep{resources: t.Resources, target: target}, s.MetadataRetry.Policy()), nil
}

// createMetadataStep stores the CREATING row. Undo applies the create-failure
// policy: the row is removed or left BROKEN with a pointer to the failed job.
type createMetadataStep struct {
	resources domain.ResourceRepository
	target    *createTarget
	onFailure domain.OnCreateFailure
}

func (s *createMetadataStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	resource, err := domain.NewManagedResource(s.target.workspaceID, s.target.resourceID, s.target.name, s.target.kind, s.target.cloning, sc.RunID)
	if err != nil {
		return saga.Fatal(err)
	}
	return repoResult(s.resources.Create(ctx, resource))
}

func (s *createMetadataStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	req := domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		RunID:       sc.RunID,
		Trigger:     domain.TriggerCreateFailedDelete,
	}
	if s.onFailure == domain.BrokenOnFailure {
		req.Trigger = domain.TriggerCreateFailedBroken
		req.ErrorMessage = fmt.Sprintf("resource creation failed; see job %s", sc.RunID)
	}

	_, err := s.resources.Transition(ctx, req)
	if errors.Is(err, domain.ErrResourceNotFound) {
		return saga.Success()
	}
	return repoResult(err)
}

type createCloudObjectStep struct {
	toolbox *Toolbox
	target  *createTarget
}

func (s *createCloudObjectStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	cc, err := s.toolbox.readyContext(ctx, s.target.workspaceID)
	if err != nil {
		return repoResult(err)
	}

	sc.Logger.Infof("creating cloud object", map[string]interface{}{
		"kind":       s.target.kind.Kind(),
		"name":       s.target.kind.CloudName(),
		"project_id": cc.ProjectID,
	})
	return cloudResult(s.target.ops.create(ctx, cc.ProjectID))
}

func (s *createCloudObjectStep) Undo(ctx context.Context, _ *saga.StepContext) saga.StepResult {
	cc, err := s.toolbox.CloudContexts.Get(ctx, s.target.workspaceID)
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return saga.Success()
	}
	if err != nil {
		return repoResult(err)
	}
	return cloudResult(s.target.ops.remove(ctx, cc.ProjectID))
}

type grantResourceIAMStep struct {
	toolbox *Toolbox
	target  *createTarget
}

func (s *grantResourceIAMStep) Do(ctx context.Context, _ *saga.StepContext) saga.StepResult {
	cc, err := s.toolbox.readyContext(ctx, s.target.workspaceID)
	if err != nil {
		return repoResult(err)
	}
	return cloudResult(s.toolbox.IAM.GrantResourceAccess(ctx, cc.ProjectID, s.target.kind, cc.PolicyGroups))
}

func (s *grantResourceIAMStep) Undo(ctx context.Context, _ *saga.StepContext) saga.StepResult {
	cc, err := s.toolbox.CloudContexts.Get(ctx, s.target.workspaceID)
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return saga.Success()
	}
	if err != nil {
		return repoResult(err)
	}
	return cloudResult(s.toolbox.IAM.RevokeResourceAccess(ctx, cc.ProjectID, s.target.kind, cc.PolicyGroups))
}

// markReadyStep is the point of no return of a create and the last step. The
// response is stored before the transition so nothing can fail after it.
type markReadyStep struct {
	saga.Irreversible
	resources domain.ResourceRepository
	target    *createTarget
}

func (s *markReadyStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	name := s.target.name
	if name == "" {
		name = s.target.kind.CloudName()
	}
	if err := putResourceResponse(sc, s.target.workspaceID, s.target.resourceID, name, s.target.kind); err != nil {
		return saga.Fatal(err)
	}

	_, err := s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerCreateSucceeded,
		RunID:       sc.RunID,
	})
	return repoResult(err)
}

// putResourceResponse stores the READY resource as the job result
func putResourceResponse(sc *saga.StepContext, workspaceID, resourceID, name string, kind domain.ResourceKind) error {
	spec, err := SpecOf(kind)
	if err != nil {
		return err
	}
	return sc.Memory.Put(saga.KeyResponse, ResourceResponse{
		WorkspaceID: workspaceID,
		ResourceID:  resourceID,
		Name:        name,
		Resource:    spec,
		State:       domain.StateReady,
	})
}
