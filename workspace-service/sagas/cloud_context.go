package sagas

import (
	"context"
	"time"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	memRequestID    = "context.request_id"
	memProjectID    = "context.project_id"
	memPolicyGroups = "context.policy_groups"
)

// CloudContextResponse is the result of CREATE_CLOUD_CONTEXT
type CloudContextResponse struct {
	WorkspaceID  string            `json:"workspace_id"`
	ProjectID    string            `json:"project_id"`
	PolicyGroups map[string]string `json:"policy_groups"`
}

type contextTarget struct {
	workspaceID    string
	billingAccount string
	roles          []string
}

func (t *Toolbox) buildCreateCloudContext(inputs saga.Reader) (*saga.Definition, error) {
	in, err := readInputs[CreateCloudContextParams](inputs)
	if err != nil {
		return nil, err
	}

	target := &contextTarget{
		workspaceID:    in.workspaceID,
		billingAccount: in.params.BillingAccount,
		roles:          domain.WorkspaceRoles(),
	}
	if target.billingAccount == "" {
		target.billingAccount = in.settings.BillingAccount
	}
	if target.billingAccount == "" {
		return nil, errors.Wrap(ErrInvalidParameters, "billing_account is required")
	}

	s := in.settings
	undo := s.UndoRetry.Policy()

	return saga.NewDefinition(OpCreateCloudContext).
		AddStepWithRetry("generate-id", &generateRequestIDStep{contexts: t.CloudContexts, target: target}, s.MetadataRetry.Policy()).
		AddStepWithRetries("allocate-from-pool", &allocateProjectStep{projects: t.Projects, target: target}, s.PoolRetry.Policy(), undo).
		AddStepWithRetries("set-billing", &setBillingStep{billing: t.Billing, target: target}, s.CloudRetry.Policy(), undo).
		AddStepWithRetries("create-custom-roles", &createCustomRolesStep{iam: t.IAM, target: target}, s.IAMRetry.Policy(), undo).
		AddStepWithRetries("store-metadata", &storeContextStep{contexts: t.CloudContexts, target: target}, s.MetadataRetry.Policy(), undo).
		AddStepWithRetries("sync-identity-groups", &syncGroupsStep{iam: t.IAM, target: target}, s.IAMRetry.Policy(), undo).
		AddStepWithRetries("apply-iam-policy", &applyPolicyStep{iam: t.IAM}, s.IAMRetry.Policy(), undo).
		AddStepWithRetry("publish-output", &publishContextStep{contexts: t.CloudContexts, target: target}, s.MetadataRetry.Policy()), nil
}

// generateRequestIDStep fixes the pool request id of the run and refuses to
// provision a workspace that already has a context
type generateRequestIDStep struct {
	saga.NoUndo
	contexts domain.CloudContextRepository
	target   *contextTarget
}

func (s *generateRequestIDStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	existing, err := s.contexts.Get(ctx, s.target.workspaceID)
	switch {
	case errors.Is(err, domain.ErrCloudContextNotFound):
	case err != nil:
		return repoResult(err)
	case existing.OwnerRunID != sc.RunID:
		return saga.Fatal(errors.Wrapf(domain.ErrCloudContextExists, "workspace %s", s.target.workspaceID))
	}

	if _, err := stored(sc, memRequestID, func() (string, error) { return uuid.New().String(), nil }); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

type allocateProjectStep struct {
	projects domain.ProjectPool
	target   *contextTarget
}

func (s *allocateProjectStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	requestID, err := saga.Value[string](sc.Memory, memRequestID)
	if err != nil {
		return saga.Fatal(err)
	}
	projectID, err := s.projects.AllocateProject(ctx, s.target.workspaceID, requestID)
	if err != nil {
		return cloudResult(err)
	}

	sc.Logger.Infof("project allocated", map[string]interface{}{"project_id": projectID})
	if err := sc.Memory.Put(memProjectID, projectID); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

// Undo asks the pool again when the allocation finished but its result was not
// checkpointed
func (s *allocateProjectStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, err := saga.ValueOr(sc.Memory, memProjectID, "")
	if err != nil {
		return saga.Fatal(err)
	}
	if projectID == "" {
		requestID, err := saga.Value[string](sc.Memory, memRequestID)
		if err != nil {
			return saga.Fatal(err)
		}
		if projectID, err = s.projects.AllocateProject(ctx, s.target.workspaceID, requestID); err != nil {
			return cloudResult(err)
		}
	}
	return cloudResult(s.projects.ReleaseProject(ctx, projectID))
}

func projectOf(sc *saga.StepContext) (string, error) {
	return saga.Value[string](sc.Memory, memProjectID)
}

type setBillingStep struct {
	billing domain.BillingClient
	target  *contextTarget
}

func (s *setBillingStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, err := projectOf(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	return cloudResult(s.billing.SetBillingAccount(ctx, projectID, s.target.billingAccount))
}

func (s *setBillingStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, err := projectOf(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	return cloudResult(s.billing.ClearBillingAccount(ctx, projectID))
}

type createCustomRolesStep struct {
	iam    domain.IAMClient
	target *contextTarget
}

func (s *createCustomRolesStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, err := projectOf(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	return cloudResult(s.iam.CreateCustomRoles(ctx, projectID, s.target.roles))
}

func (s *createCustomRolesStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, err := projectOf(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	return cloudResult(s.iam.DeleteCustomRoles(ctx, projectID, s.target.roles))
}

type storeContextStep struct {
	contexts domain.CloudContextRepository
	target   *contextTarget
}

func (s *storeContextStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, err := projectOf(sc)
	if err != nil {
		return saga.Fatal(err)
	}

	now := time.Now().UTC()
	return repoResult(s.contexts.Create(ctx, &domain.CloudContext{
		WorkspaceID:    s.target.workspaceID,
		ProjectID:      projectID,
		BillingAccount: s.target.billingAccount,
		CustomRoles:    s.target.roles,
		PolicyGroups:   map[string]string{},
		State:          domain.CloudContextCreating,
		OwnerRunID:     sc.RunID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
}

func (s *storeContextStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	return repoResult(s.contexts.Delete(ctx, s.target.workspaceID, sc.RunID))
}

type syncGroupsStep struct {
	iam    domain.IAMClient
	target *contextTarget
}

func (s *syncGroupsStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	groups, err := s.iam.SyncPolicyGroups(ctx, s.target.workspaceID, s.target.roles)
	if err != nil {
		return cloudResult(err)
	}
	if err := sc.Memory.Put(memPolicyGroups, groups); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}

func (s *syncGroupsStep) Undo(ctx context.Context, _ *saga.StepContext) saga.StepResult {
	return cloudResult(s.iam.RemovePolicyGroups(ctx, s.target.workspaceID, s.target.roles))
}

type applyPolicyStep struct {
	iam domain.IAMClient
}

func (s *applyPolicyStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, groups, err := projectAndGroups(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	return cloudResult(s.iam.ApplyProjectPolicy(ctx, projectID, groups))
}

func (s *applyPolicyStep) Undo(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, groups, err := projectAndGroups(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	return cloudResult(s.iam.RemoveProjectPolicy(ctx, projectID, groups))
}

func projectAndGroups(sc *saga.StepContext) (string, map[string]string, error) {
	projectID, err := projectOf(sc)
	if err != nil {
		return "", nil, err
	}
	groups, err := saga.Value[map[string]string](sc.Memory, memPolicyGroups)
	if err != nil {
		return "", nil, err
	}
	return projectID, groups, nil
}

// publishContextStep makes the context usable and sets the job result
type publishContextStep struct {
	saga.Irreversible
	contexts domain.CloudContextRepository
	target   *contextTarget
}

func (s *publishContextStep) Do(ctx context.Context, sc *saga.StepContext) saga.StepResult {
	projectID, groups, err := projectAndGroups(sc)
	if err != nil {
		return saga.Fatal(err)
	}
	if err := s.contexts.MarkReady(ctx, s.target.workspaceID, sc.RunID, groups); err != nil {
		return repoResult(err)
	}

	if err := sc.Memory.Put(saga.KeyResponse, CloudContextResponse{
		WorkspaceID:  s.target.workspaceID,
		ProjectID:    projectID,
		PolicyGroups: groups,
	}); err != nil {
		return saga.Fatal(err)
	}
	return saga.Success()
}
