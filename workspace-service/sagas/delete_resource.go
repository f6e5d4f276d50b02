package sagas

import (
	"context"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
)

const (
	memDeleteResource = "delete.resource"
	memDeleteFrom     = "delete.prior_state"
)

// DeleteResponse is the result of a resource delete
type DeleteResponse struct {
	WorkspaceID string `json:"workspace_id"`
	ResourceID  string `json:"resource_id"`
	Deleted     bool   `json:"deleted"`
}

type deleteTarget struct {
	workspaceID string
	resourceID  string
}

func (t *Toolbox) buildDeleteResource(inputs saga.Reader) (*saga.Definition, error) {
	in, err := readInputs[DeleteResourceParams](inputs)
	if err != nil {
		return nil, err
	}

	target := &deleteTarget{workspaceID: in.workspaceID, resourceID: in.params.ResourceID}
	s := in.settings
	undo := s.UndoRetry.Policy()

	return saga.NewDefinition(OpDeleteControlledResource).
		AddStepWithRetries("start-delete", &startDeleteStep{resources: t.Resources, target: target}, s.MetadataRetry.Policy(), undo).
		AddStepWithRetries("remove-resource-iam", &removeResourceIAMStep{toolbox: t}, s.IAMRetry.Policy(), undo).
		AddStepWithRetry("delete-cloud-object", &deleteCloudObjectStep{toolbox: t}, s.CloudRetry.Policy()).
		AddStepWithRetry("delete-metadata", &deleteMetadataStep{resources: t.Resources, target: target}, s.MetadataRetry.Policy()), nil
}

// startDeleteStep moves the resource to DELETING and remembers it, with the
// state it had, for the later steps and for undo
type startDeleteStep struct {
	resources domain.ResourceRepository
	target    *deleteTarget
}

func (s *startDeleteStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	current, err := s.resources.Get(ctx, s.target.workspaceID, s.target.resourceID)
	if err != nil {
		return repoResult(err)
	}

	// a replay after the transition finds the row DELETING, so the first read wins
	if _, err := stored(sc, memDeleteResource, func() (*domain.ManagedResource, error) { return current, nil }); err != nil {
		return saga.Fatal(err)
	}
	if _, err := stored(sc, memDeleteFrom, func() (domain.ResourceState, error) { return priorState(current), nil }); err != nil {
		return saga.Fatal(err)
	}

	_, err = s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerStartDelete,
		RunID:       sc.RunID,
	})
	return repoResult(err)
}

func (s *startDeleteStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	from, err := saga.Value[domain.ResourceState](sc.Memory, memDeleteFrom)
	if err != nil {
		return saga.Fatal(err)
	}

	trigger := domain.TriggerDeleteAborted
	if from == domain.StateBroken {
		trigger = domain.TriggerDeleteAbortedBroken
	}
	_, err = s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     trigger,
		RunID:       sc.RunID,
	})
	return repoResult(err)
}

// priorState is the state a delete returns the resource to when it aborts. A
// DELETING row read back after a crash still carries the BROKEN error message.
func priorState(r *domain.ManagedResource) domain.ResourceState {
	switch r.State {
	case domain.StateReady, domain.StateBroken:
		return r.State
	}
	if r.ErrorMessage != "" {
		return domain.StateBroken
	}
	return domain.StateReady
}

func deletingResource(sc *saga.StepContext) (*domain.ManagedResource, error) {
	resource, err := saga.Value[*domain.ManagedResource](sc.Memory, memDeleteResource)
	if err != nil {
		return nil, err
	}
	if resource == nil || resource.Kind == nil {
		return nil, errors.New("resource missing from run memory")
	}
	return resource, nil
}

type removeResourceIAMStep struct {
	toolbox *Toolbox
}

func (s *removeResourceIAMStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	resource, err := deletingResource(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	cc, err := s.toolbox.CloudContexts.Get(ctx, resource.WorkspaceID)
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return saga.Success()
	}
	if err != nil {
		return repoResult(err)
	}
	return cloudResult(s.toolbox.IAM.RevokeResourceAccess(ctx, cc.ProjectID, resource.Kind, cc.PolicyGroups))
}

func (s *removeResourceIAMStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	resource, err := deletingResource(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	cc, err := s.toolbox.CloudContexts.Get(ctx, resource.WorkspaceID)
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return saga.Success()
	}
	if err != nil {
		return repoResult(err)
	}
	return cloudResult(s.toolbox.IAM.GrantResourceAccess(ctx, cc.ProjectID, resource.Kind, cc.PolicyGroups))
}

// deleteCloudObjectStep is the point of no return of a delete
type deleteCloudObjectStep struct {
	saga.Irreversible
	toolbox *Toolbox
}

func (s *deleteCloudObjectStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	resource, err := deletingResource(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	ops, err := opsFor(s.toolbox.Provisioner, resource.Kind)
	if err != nil {
		return saga.Fatal(err)
	}
	cc, err := s.toolbox.CloudContexts.Get(ctx, resource.WorkspaceID)
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return saga.Success()
	}
	if err != nil {
		return repoResult(err)
	}

	sc.Logger.Infof("deleting cloud object", map[string]interface{}{
		"kind":       resource.Kind.Kind(),
		"name":       resource.Kind.CloudName(),
		"project_id": cc.ProjectID,
	})
	return cloudResult(ops.remove(ctx, cc.ProjectID))
}

type deleteMetadataStep struct {
	saga.Irreversible
	resources domain.ResourceRepository
	target    *deleteTarget
}

func (s *deleteMetadataStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	_, err := s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerDeleteSucceeded,
		RunID:       sc.RunID,
	})
	if err != nil {
		return repoResult(err)
	}

	if err := sc.Memory.Put(saga.KeyResponse, DeleteResponse{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Deleted:     true,
	}); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}
