package sagas

import (
	"context"
	"slices"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
)

const (
	memWorkspaceItems   = "delete_workspace.items"
	memContextDeleting  = "delete_workspace.context_deleting"
	memWorkspaceDeleted = "delete_workspace.deleted"
)

// WorkspaceDeleteResponse is the result of DELETE_WORKSPACE
type WorkspaceDeleteResponse struct {
	WorkspaceID         string   `json:"workspace_id"`
	DeletedResources    []string `json:"deleted_resources"`
	CloudContextDeleted bool     `json:"cloud_context_deleted"`
}

type workspaceItem struct {
	ResourceID string `json:"resource_id"`
	Done       bool   `json:"done"`
}

func (t *Toolbox) buildDeleteWorkspace(inputs saga.Reader) (*saga.Definition, error) {
	in, err := readInputs[DeleteWorkspaceParams](inputs)
	if err != nil {
		return nil, err
	}

	s := in.settings
	return saga.NewDefinition(OpDeleteWorkspace).
		AddStepWithRetries("collect-resources", &collectResourcesStep{toolbox: t, workspaceID: in.workspaceID}, s.MetadataRetry.Policy(), s.UndoRetry.Policy()).
		AddStepWithRetries("delete-each-resource", &deleteEachResourceStep{toolbox: t, workspaceID: in.workspaceID}, s.CloudRetry.Policy(), s.UndoRetry.Policy()).
		AddStepWithRetry("delete-cloud-context", &deleteCloudContextStep{toolbox: t, workspaceID: in.workspaceID}, s.CloudRetry.Policy()), nil
}

// collectResourcesStep snapshots the workspace resources. Its undo is where a
// failed delete-each-resource lands: it releases any resource the run still holds
// and turns the failure dismal once a resource is gone for good.
type collectResourcesStep struct {
	toolbox     *Toolbox
	workspaceID string
}

func (s *collectResourcesStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	if sc.Memory.Contains(memWorkspaceItems) {
		return saga.Success()
	}

	resources, err := s.toolbox.Resources.List(ctx, s.workspaceID)
	if err != nil {
		return repoResult(err)
	}
	items := make([]workspaceItem, 0, len(resources))
	for _, r := range resources {
		items = append(items, workspaceItem{ResourceID: r.ResourceID})
	}

	if err := sc.Memory.Put(memWorkspaceItems, items); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

func (s *collectResourcesStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	items, err := saga.ValueOr(sc.Memory, memWorkspaceItems, []workspaceItem{})
	if err != nil {
		return saga.Fatal(err)
	}
	deleted, err := saga.ValueOr(sc.Memory, memWorkspaceDeleted, []string{})
	if err != nil {
		return saga.Fatal(err)
	}

	for _, item := range items {
		if item.Done || slices.Contains(deleted, item.ResourceID) {
			continue
		}
		resource, err := s.toolbox.Resources.Get(ctx, s.workspaceID, item.ResourceID)
		if errors.Is(err, domain.ErrResourceNotFound) {
			continue
		}
		if err != nil {
			return repoResult(err)
		}
		if resource.State != domain.StateDeleting || resource.OwnerRunID != sc.RunID {
			continue
		}
		if err := restoreWorkspaceResource(ctx, s.toolbox, sc.RunID, resource, true); err != nil {
			return repoResult(err)
		}
	}

	return workspaceDeletionsUndoable(deleted)
}

// workspaceDeletionsUndoable fails undo once any cloud object is gone
func workspaceDeletionsUndoable(deleted []string) saga.StepResult {
	if len(deleted) > 0 {
		return saga.Fatal(errors.Wrapf(saga.ErrUndoImpossible, "%d workspace resources already deleted", len(deleted)))
	}
	return saga.Success()
}

// deleteEachResourceStep deletes one collected resource per invocation. A resource
// held by another job is retried until that job lets go. A resource that cannot
// be deleted is handed back in the state it had before the failure is returned.
type deleteEachResourceStep struct {
	toolbox     *Toolbox
	workspaceID string
}

func (s *deleteEachResourceStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	items, err := saga.Value[[]workspaceItem](sc.Memory, memWorkspaceItems)
	if err != nil {
		return saga.Fatal(err)
	}

	next := -1
	for i := range items {
		if !items[i].Done {
			next = i
			break
		}
	}
	if next < 0 {
		return saga.Success()
	}

	if err := s.deleteOne(ctx, sc, items[next].ResourceID); err != nil {
		if errors.Is(err, domain.ErrResourceBusy) {
			return saga.Retry(err)
		}
		return cloudResult(err)
	}

	items[next].Done = true
	if err := sc.Memory.Put(memWorkspaceItems, items); err != nil {
		return saga.Fatal(err)
	}
	return saga.Rerun()
}

// Undo runs when the cloud context could not be deleted
func (s *deleteEachResourceStep) Undo(_ context.Context, sc *saga.StepContext) saga.StepResult {
	deleted, err := saga.ValueOr(sc.Memory, memWorkspaceDeleted, []string{})
	if err != nil {
		return saga.Fatal(err)
	}
	contextDeleting, err := saga.ValueOr(sc.Memory, memContextDeleting, false)
	if err != nil {
		return saga.Fatal(err)
	}
	if contextDeleting {
		return saga.Fatal(errors.Wrap(saga.ErrUndoImpossible, "cloud context teardown already started"))
	}
	return workspaceDeletionsUndoable(deleted)
}

func (s *deleteEachResourceStep) deleteOne(ctx context.Context, sc *saga.StepContext, resourceID string) error {
	resources := s.toolbox.Resources

	resource, err := resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.workspaceID,
		ResourceID:  resourceID,
		Trigger:     domain.TriggerStartDelete,
		RunID:       sc.RunID,
	})
	if errors.Is(err, domain.ErrResourceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	revoked, err := s.removeFromCloud(ctx, resource)
	if err != nil {
		if restoreErr := restoreWorkspaceResource(ctx, s.toolbox, sc.RunID, resource, revoked); restoreErr != nil {
			sc.Logger.WithError(restoreErr).Errorf("failed to release workspace resource", map[string]interface{}{
				"resource_id": resourceID,
			})
		}
		return err
	}

	// recorded before the row goes so that a failed transition still counts it
	deleted, err := saga.ValueOr(sc.Memory, memWorkspaceDeleted, []string{})
	if err != nil {
		return err
	}
	if !slices.Contains(deleted, resourceID) {
		if err := sc.Memory.Put(memWorkspaceDeleted, append(deleted, resourceID)); err != nil {
			return err
		}
	}

	sc.Logger.Infof("workspace resource deleted", map[string]interface{}{
		"resource_id": resourceID,
		"kind":        resource.Kind.Kind(),
	})
	_, err = resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.workspaceID,
		ResourceID:  resourceID,
		Trigger:     domain.TriggerDeleteSucceeded,
		RunID:       sc.RunID,
	})
	return err
}

// removeFromCloud revokes access to the cloud object and deletes it. revoked
// reports whether the access bindings are gone.
func (s *deleteEachResourceStep) removeFromCloud(ctx context.Context, resource *domain.ManagedResource) (revoked bool, err error) {
	ops, err := opsFor(s.toolbox.Provisioner, resource.Kind)
	if err != nil {
		return false, err
	}
	cc, err := s.toolbox.CloudContexts.Get(ctx, s.workspaceID)
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.toolbox.IAM.RevokeResourceAccess(ctx, cc.ProjectID, resource.Kind, cc.PolicyGroups); err != nil {
		return false, err
	}
	return true, ops.remove(ctx, cc.ProjectID)
}

// restoreWorkspaceResource hands a DELETING resource held by runID back in the
// state it had, with its access bindings when regrant is set
func restoreWorkspaceResource(ctx context.Context, t *Toolbox, runID string, resource *domain.ManagedResource, regrant bool) error {
	if regrant {
		cc, err := t.CloudContexts.Get(ctx, resource.WorkspaceID)
		switch {
		case errors.Is(err, domain.ErrCloudContextNotFound):
		case err != nil:
			return err
		default:
			if err := t.IAM.GrantResourceAccess(ctx, cc.ProjectID, resource.Kind, cc.PolicyGroups); err != nil {
				return err
			}
		}
	}

	trigger := domain.TriggerDeleteAborted
	if priorState(resource) == domain.StateBroken {
		trigger = domain.TriggerDeleteAbortedBroken
	}
	_, err := t.Resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: resource.WorkspaceID,
		ResourceID:  resource.ResourceID,
		Trigger:     trigger,
		RunID:       runID,
	})
	return err
}

// deleteCloudContextStep tears the context down in the reverse order it was built.
// It is the last step, so it also stores the job result.
type deleteCloudContextStep struct {
	saga.Irreversible
	toolbox     *Toolbox
	workspaceID string
}

func (s *deleteCloudContextStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	t := s.toolbox

	cc, err := t.CloudContexts.Get(ctx, s.workspaceID)
	if errors.Is(err, domain.ErrCloudContextNotFound) {
		return resultOf(s.putResponse(sc, false))
	}
	if err != nil {
		return repoResult(err)
	}
	if err := t.CloudContexts.StartDelete(ctx, s.workspaceID, sc.RunID); err != nil {
		return repoResult(err)
	}
	if err := sc.Memory.Put(memContextDeleting, true); err != nil {
		return saga.Fatal(err)
	}

	if err := t.IAM.RemoveProjectPolicy(ctx, cc.ProjectID, cc.PolicyGroups); err != nil {
		return cloudResult(err)
	}
	if err := t.IAM.RemovePolicyGroups(ctx, s.workspaceID, domain.WorkspaceRoles()); err != nil {
		return cloudResult(err)
	}
	if err := t.IAM.DeleteCustomRoles(ctx, cc.ProjectID, cc.CustomRoles); err != nil {
		return cloudResult(err)
	}
	if err := t.Billing.ClearBillingAccount(ctx, cc.ProjectID); err != nil {
		return cloudResult(err)
	}
	if err := t.Projects.ReleaseProject(ctx, cc.ProjectID); err != nil {
		return cloudResult(err)
	}
	if err := s.putResponse(sc, true); err != nil {
		return saga.Fatal(err)
	}
	if err := t.CloudContexts.Delete(ctx, s.workspaceID, sc.RunID); err != nil {
		return repoResult(err)
	}

	sc.Logger.Infof("cloud context deleted", map[string]interface{}{"project_id": cc.ProjectID})
	return saga.Success()
}

func (s *deleteCloudContextStep) putResponse(sc *saga.StepContext, contextDeleted bool) error {
	deleted, err := saga.ValueOr(sc.Memory, memWorkspaceDeleted, []string{})
	if err != nil {
		return err
	}
	return sc.Memory.Put(saga.KeyResponse, WorkspaceDeleteResponse{
		WorkspaceID:         s.workspaceID,
		DeletedResources:    deleted,
		CloudContextDeleted: contextDeleted,
	})
}

func resultOf(err error) saga.StepResult {
	if err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}
