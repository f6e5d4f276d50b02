package sagas

import (
	"context"
	"fmt"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const memCloneItems = "clone.items"

// CloneStatus is the outcome of cloning one resource
type CloneStatus string

const (
	ClonePending   CloneStatus = "PENDING"
	CloneSucceeded CloneStatus = "SUCCEEDED"
	CloneFailed    CloneStatus = "FAILED"
	CloneSkipped   CloneStatus = "SKIPPED"
)

// CloneItem tracks one source resource through a workspace clone
type CloneItem struct {
	SourceResourceID      string                     `json:"source_resource_id"`
	DestinationResourceID string                     `json:"destination_resource_id,omitempty"`
	Name                  string                     `json:"name"`
	Resource              ResourceSpec               `json:"resource"`
	CloningInstructions   domain.CloningInstructions `json:"cloning_instructions"`
	Status                CloneStatus                `json:"status"`
	Error                 string                     `json:"error,omitempty"`
}

// CloneResponse is the result of CLONE_WORKSPACE
type CloneResponse struct {
	SourceWorkspaceID      string      `json:"source_workspace_id"`
	DestinationWorkspaceID string      `json:"destination_workspace_id"`
	Resources              []CloneItem `json:"resources"`
}

type cloneTarget struct {
	sourceWorkspaceID      string
	destinationWorkspaceID string
}

func (t *Toolbox) buildCloneWorkspace(inputs saga.Reader) (*saga.Definition, error) {
	in, err := readInputs[CloneWorkspaceParams](inputs)
	if err != nil {
		return nil, err
	}
	if in.params.DestinationWorkspaceID == "" || in.params.DestinationWorkspaceID == in.workspaceID {
		return nil, errors.Wrap(ErrInvalidParameters, "destination_workspace_id must name another workspace")
	}

	target := &cloneTarget{
		sourceWorkspaceID:      in.workspaceID,
		destinationWorkspaceID: in.params.DestinationWorkspaceID,
	}
	s := in.settings

	return saga.NewDefinition(OpCloneWorkspace).
		AddStepWithRetry("find-resources-to-clone", &findResourcesToCloneStep{toolbox: t, target: target}, s.MetadataRetry.Policy()).
		AddStepWithRetry("clone-each-resource", &cloneEachResourceStep{toolbox: t, target: target}, s.CloudRetry.Policy()).
		AddStep("set-clone-response", &setCloneResponseStep{target: target}), nil
}

// findResourcesToCloneStep snapshots the source resources once per run. The
// destination ids derive from the run id so a replayed item lands on the same row.
type findResourcesToCloneStep struct {
	saga.NoUndo
	toolbox *Toolbox
	target  *cloneTarget
}

func (s *findResourcesToCloneStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	if sc.Memory.Contains(memCloneItems) {
		return saga.Success()
	}
	if _, err := s.toolbox.readyContext(ctx, s.target.destinationWorkspaceID); err != nil {
		return repoResult(err)
	}

	resources, err := s.toolbox.Resources.List(ctx, s.target.sourceWorkspaceID)
	if err != nil {
		return repoResult(err)
	}

	items := make([]CloneItem, 0, len(resources))
	for _, r := range resources {
		spec, err := SpecOf(r.Kind)
		if err != nil {
			return saga.Fatal(err)
		}
		item := CloneItem{
			SourceResourceID:    r.ResourceID,
			Name:                r.Name,
			Resource:            spec,
			CloningInstructions: r.CloningInstructions,
			Status:              ClonePending,
		}
		switch {
		case r.State != domain.StateReady:
			item.Status = CloneSkipped
			item.Error = fmt.Sprintf("resource is %s", r.State)
		case r.CloningInstructions != domain.CloneCopyResource:
			item.Status = CloneSkipped
		case !cloneable(r.Kind):
			item.Status = CloneSkipped
			item.Error = fmt.Sprintf("%s resources cannot be cloned", r.Kind.Kind())
		default:
			item.DestinationResourceID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(sc.RunID+"/"+r.ResourceID)).String()
		}
		items = append(items, item)
	}

	sc.Logger.Infof("resources to clone", map[string]interface{}{"count": len(items)})
	if err := sc.Memory.Put(memCloneItems, items); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

// cloneEachResourceStep clones one pending item per invocation and reruns until
// none is left. Item failures are recorded, never propagated.
type cloneEachResourceStep struct {
	saga.NoUndo
	toolbox *Toolbox
	target  *cloneTarget
}

func (s *cloneEachResourceStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	items, err := saga.Value[[]CloneItem](sc.Memory, memCloneItems)
	if err != nil {
		return saga.Fatal(err)
	}

	next := -1
	for i := range items {
		if items[i].Status == ClonePending {
			next = i
			break
		}
	}
	if next < 0 {
		return saga.Success()
	}

	item := &items[next]
	log := sc.Logger.WithField("source_resource_id", item.SourceResourceID)
	if err := s.cloneOne(ctx, sc.RunID, item); err != nil {
		item.Status = CloneFailed
		item.Error = err.Error()
		log.Warnf("resource clone failed", map[string]interface{}{"error": err.Error()})
	} else {
		item.Status = CloneSucceeded
		log.Infof("resource cloned", map[string]interface{}{"destination_resource_id": item.DestinationResourceID})
	}

	if err := sc.Memory.Put(memCloneItems, items); err != nil {
		return saga.Fatal(err)
	}
	return saga.Rerun()
}

func (s *cloneEachResourceStep) cloneOne(ctx context.Context, runID string, item *CloneItem) error {
	source, err := item.Resource.Decode()
	if err != nil {
		return err
	}
	kind, err := cloneKind(source, item.DestinationResourceID)
	if err != nil {
		return err
	}

	src, err := s.toolbox.readyContext(ctx, s.target.sourceWorkspaceID)
	if err != nil {
		return err
	}
	dst, err := s.toolbox.readyContext(ctx, s.target.destinationWorkspaceID)
	if err != nil {
		return err
	}
	ops, err := opsFor(s.toolbox.Provisioner, kind)
	if err != nil {
		return err
	}

	// a rerun after the item finished but before memory was saved
	existing, err := s.toolbox.Resources.Get(ctx, s.target.destinationWorkspaceID, item.DestinationResourceID)
	switch {
	case err == nil && existing.State == domain.StateReady:
		return nil
	case err != nil && !errors.Is(err, domain.ErrResourceNotFound):
		return err
	}

	resource, err := domain.NewManagedResource(s.target.destinationWorkspaceID, item.DestinationResourceID, item.Name, kind, item.CloningInstructions, runID)
	if err != nil {
		return err
	}
	if err := s.toolbox.Resources.Create(ctx, resource); err != nil {
		return err
	}

	err = s.provision(ctx, ops, kind, source, src.ProjectID, dst)
	if err == nil {
		_, err = s.toolbox.Resources.Transition(ctx, domain.TransitionRequest{
			WorkspaceID: s.target.destinationWorkspaceID,
			ResourceID:  item.DestinationResourceID,
			Trigger:     domain.TriggerCreateSucceeded,
			RunID:       runID,
		})
	}
	if err != nil {
		s.cleanup(ctx, runID, ops, kind, dst, item.DestinationResourceID)
		return err
	}
	return nil
}

func (s *cloneEachResourceStep) provision(ctx context.Context, ops cloudOps, kind, source domain.ResourceKind, srcProject string, dst *domain.CloudContext) error {
	if err := ops.create(ctx, dst.ProjectID); err != nil {
		return err
	}
	if err := s.toolbox.Provisioner.CopyContents(ctx, kind.Kind(), srcProject, source.CloudName(), dst.ProjectID, kind.CloudName()); err != nil {
		return err
	}
	return s.toolbox.IAM.GrantResourceAccess(ctx, dst.ProjectID, kind, dst.PolicyGroups)
}

// cleanup removes what a failed item left in the destination. Errors are logged by
// the caller through the item failure and otherwise ignored.
func (s *cloneEachResourceStep) cleanup(ctx context.Context, runID string, ops cloudOps, kind domain.ResourceKind, dst *domain.CloudContext, resourceID string) {
	_ = s.toolbox.IAM.RevokeResourceAccess(ctx, dst.ProjectID, kind, dst.PolicyGroups)
	_ = ops.remove(ctx, dst.ProjectID)
	_, _ = s.toolbox.Resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.destinationWorkspaceID,
		ResourceID:  resourceID,
		Trigger:     domain.TriggerCreateFailedDelete,
		RunID:       runID,
	})
}

func cloneable(kind domain.ResourceKind) bool {
	switch kind.(type) {
	case domain.Bucket, domain.Dataset, domain.StorageContainer:
		return true
	default:
		return false
	}
}

// cloneKind returns the destination attributes. Bucket names are global so the
// copy gets a suffix from its resource id.
func cloneKind(source domain.ResourceKind, destinationID string) (domain.ResourceKind, error) {
	switch k := source.(type) {
	case domain.Bucket:
		suffix := destinationID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		k.Name = k.Name + "-" + suffix
		return k, domain.ValidateKind(k)
	case domain.Dataset:
		return k, nil
	case domain.StorageContainer:
		return k, nil
	default:
		return nil, errors.Wrapf(domain.ErrInvalidResource, "%s resources cannot be cloned", source.Kind())
	}
}

type setCloneResponseStep struct {
	saga.NoUndo
	target *cloneTarget
}

func (s *setCloneResponseStep) Do(_ context.Context, sc *saga.StepContext) saga.StepResult {
	items, err := saga.Value[[]CloneItem](sc.Memory, memCloneItems)
	if err != nil {
		return saga.Fatal(err)
	}
	if err := sc.Memory.Put(saga.KeyResponse, CloneResponse{
		SourceWorkspaceID:      s.target.sourceWorkspaceID,
		DestinationWorkspaceID: s.target.destinationWorkspaceID,
		Resources:              items,
	}); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}
