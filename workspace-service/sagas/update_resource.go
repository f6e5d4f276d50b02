package sagas

import (
	"context"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
)

const (
	memPriorResource = "update.prior_resource"
	memUpdateName    = "update.name"
)

type updateTarget struct {
	workspaceID string
	resourceID  string
	kind        domain.ResourceKind
	ops         cloudOps
}

func (t *Toolbox) buildUpdateResource(inputs saga.Reader) (*saga.Definition, error) {
	in, err := readInputs[UpdateResourceParams](inputs)
	if err != nil {
		return nil, err
	}

	kind, err := in.params.Resource.Decode()
	if err != nil {
		return nil, err
	}
	if !updatable(kind) {
		return nil, errors.Wrapf(domain.ErrKindNotUpdatable, "%s", kind.Kind())
	}
	ops, err := opsFor(t.Provisioner, kind)
	if err != nil {
		return nil, err
	}

	target := &updateTarget{
		workspaceID: in.workspaceID,
		resourceID:  in.params.ResourceID,
		kind:        kind,
		ops:         ops,
	}
	s := in.settings
	undo := s.UndoRetry.Policy()

	return saga.NewDefinition(OpUpdateControlledResource).
		AddStepWithRetries("start-update", &startUpdateStep{resources: t.Resources, target: target}, s.MetadataRetry.Policy(), undo).
		AddStepWithRetries("update-cloud-object", &updateCloudObjectStep{toolbox: t, target: target}, s.CloudRetry.Policy(), undo).
		AddStepWithRetries("finish-update", &finishUpdateStep{resources: t.Resources, target: target}, s.MetadataRetry.Policy(), undo), nil
}

// startUpdateStep takes the resource for the run and remembers the attributes it
// had so undo can put them back
type startUpdateStep struct {
	resources domain.ResourceRepository
	target    *updateTarget
}

func (s *startUpdateStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	current, err := s.resources.Get(ctx, s.target.workspaceID, s.target.resourceID)
	if err != nil {
		return repoResult(err)
	}
	if current.Kind.Kind() != s.target.kind.Kind() || current.Kind.CloudName() != s.target.kind.CloudName() {
		return saga.Fatal(errors.Wrapf(domain.ErrInvalidResource, "update may not change the kind or name of %s", current.Name))
	}

	// attributes only change at finish-update, so a replay reads the same prior
	if _, err := stored(sc, memPriorResource, func() (ResourceSpec, error) { return SpecOf(current.Kind) }); err != nil {
		return saga.Fatal(err)
	}
	if _, err := stored(sc, memUpdateName, func() (string, error) { return current.Name, nil }); err != nil {
		return saga.Fatal(err)
	}

	_, err = s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerStartUpdate,
		RunID:       sc.RunID,
	})
	return repoResult(err)
}

// Undo writes the prior attributes back. The resource is taken again first since
// a finish-update that reported failure may still have released it.
func (s *startUpdateStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	if _, err := s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerStartUpdate,
		RunID:       sc.RunID,
	}); err != nil {
		return repoResult(err)
	}

	req := domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerFinishUpdate,
		RunID:       sc.RunID,
	}
	if prior, err := priorKind(sc); err == nil {
		req.Kind = prior
	}

	_, err := s.resources.Transition(ctx, req)
	return repoResult(err)
}

func priorKind(sc *saga.StepContext) (domain.ResourceKind, error) {
	spec, err := saga.Value[ResourceSpec](sc.Memory, memPriorResource)
	if err != nil {
		return nil, err
	}
	return spec.Decode()
}

type updateCloudObjectStep struct {
	toolbox *Toolbox
	target  *updateTarget
}

func (s *updateCloudObjectStep) Do(ctx context.Context, _ *saga.StepContext) saga.StepResult {
	cc, err := s.toolbox.readyContext(ctx, s.target.workspaceID)
	if err != nil {
		return repoResult(err)
	}
	return cloudResult(s.target.ops.update(ctx, cc.ProjectID))
}

// Undo reapplies the prior attributes
func (s *updateCloudObjectStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	prior, err := priorKind(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	ops, err := opsFor(s.toolbox.Provisioner, prior)
	if err != nil {
		return saga.Fatal(err)
	}
	cc, err := s.toolbox.readyContext(ctx, s.target.workspaceID)
	if err != nil {
		return repoResult(err)
	}
	return cloudResult(ops.update(ctx, cc.ProjectID))
}

// finishUpdateStep stores the new attributes and releases the resource. The
// response is stored first so the step can only fail before the transition.
type finishUpdateStep struct {
	resources domain.ResourceRepository
	target    *updateTarget
}

func (s *finishUpdateStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	name, err := saga.Value[string](sc.Memory, memUpdateName)
	if err != nil {
		return saga.Fatal(err)
	}
	if err := putResourceResponse(sc, s.target.workspaceID, s.target.resourceID, name, s.target.kind); err != nil {
		return saga.Fatal(err)
	}

	_, err = s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerFinishUpdate,
		RunID:       sc.RunID,
		Kind:        s.target.kind,
	})
	return repoResult(err)
}

// Undo takes the resource back for the run, so that undoing start-update writes
// the prior attributes instead of finding the update already finished
func (s *finishUpdateStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	_, err := s.resources.Transition(ctx, domain.TransitionRequest{
		WorkspaceID: s.target.workspaceID,
		ResourceID:  s.target.resourceID,
		Trigger:     domain.TriggerStartUpdate,
		RunID:       sc.RunID,
	})
	return repoResult(err)
}
