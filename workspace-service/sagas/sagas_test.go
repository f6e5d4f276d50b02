package sagas

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/draftea/workspace-manager/workspace-service/infrastructure"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completions chan *saga.Run

func (c completions) RunCompleted(_ context.Context, run *saga.Run) {
	c <- run
}

type harness struct {
	resources *infrastructure.MemoryResourceRepository
	contexts  *infrastructure.MemoryCloudContextRepository
	cloud     *infrastructure.SandboxCloud
	settings  Settings
	engine    *saga.Engine
	done      completions
}

func fastSettings() Settings {
	s := DefaultSettings()
	fast := Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxElapsed: 20 * time.Millisecond}
	s.CloudRetry = fast
	s.IAMRetry = fast
	s.PoolRetry = fast
	s.MetadataRetry = fast
	s.UndoRetry = fast
	s.BillingAccount = "billing-default"
	return s
}

// newHarness wires the sagas to in-memory repositories and the sandbox cloud.
// wrap lets a test interpose on the resource repository the steps see.
func newHarness(t *testing.T, wrap func(domain.ResourceRepository) domain.ResourceRepository) *harness {
	t.Helper()

	h := &harness{
		resources: infrastructure.NewMemoryResourceRepository(),
		contexts:  infrastructure.NewMemoryCloudContextRepository(),
		cloud:     infrastructure.NewSandboxCloud(),
		settings:  fastSettings(),
		done:      make(completions, 16),
	}

	var resources domain.ResourceRepository = h.resources
	if wrap != nil {
		resources = wrap(resources)
	}
	toolbox := &Toolbox{
		Resources:     resources,
		CloudContexts: h.contexts,
		Provisioner:   h.cloud,
		Projects:      h.cloud,
		Billing:       h.cloud,
		IAM:           h.cloud,
	}
	registry := saga.NewRegistry()
	toolbox.Register(registry)

	h.engine = saga.NewEngine(saga.NewMemoryStore(), registry, logger.Nop(), saga.WithPollInterval(20*time.Millisecond))
	h.engine.AddListener(h.done)
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Stop(ctx)
	})
	return h
}

func (h *harness) run(t *testing.T, op, workspaceID string, params interface{}) *saga.Run {
	t.Helper()

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	inputs, err := Prepare(op, workspaceID, raw, h.settings)
	require.NoError(t, err)

	_, err = h.engine.Submit(context.Background(), saga.NewRunRequest{
		ID:            uuid.New().String(),
		OperationType: op,
		WorkspaceID:   workspaceID,
		Inputs:        inputs,
	})
	require.NoError(t, err)

	select {
	case run := <-h.done:
		return run
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run")
		return nil
	}
}

// provision creates a READY cloud context for workspaceID and returns its project
func (h *harness) provision(t *testing.T, workspaceID string) string {
	t.Helper()

	run := h.run(t, OpCreateCloudContext, workspaceID, CreateCloudContextParams{})
	require.Equal(t, saga.StatusSucceeded, run.Status, "cloud context: %+v", run.Error)

	cc, err := h.contexts.Get(context.Background(), workspaceID)
	require.NoError(t, err)
	return cc.ProjectID
}

func bucketParams(name string) CreateResourceParams {
	spec, _ := SpecOf(domain.Bucket{Name: name, Location: "US", StorageClass: "STANDARD"})
	return CreateResourceParams{Resource: spec, CloningInstructions: domain.CloneCopyResource}
}

func TestCreateCloudContext(t *testing.T) {
	h := newHarness(t, nil)

	run := h.run(t, OpCreateCloudContext, "ws-1", CreateCloudContextParams{BillingAccount: "billing-1"})
	require.Equal(t, saga.StatusSucceeded, run.Status)

	var response CloudContextResponse
	require.NoError(t, json.Unmarshal(run.Result, &response))
	assert.Equal(t, "ws-1", response.WorkspaceID)
	assert.Len(t, response.PolicyGroups, 3)

	cc, err := h.contexts.Get(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CloudContextReady, cc.State)
	assert.Empty(t, cc.OwnerRunID)
	assert.Equal(t, response.ProjectID, cc.ProjectID)

	account, ok := h.cloud.BillingAccount(cc.ProjectID)
	assert.True(t, ok)
	assert.Equal(t, "billing-1", account)
	assert.ElementsMatch(t, domain.WorkspaceRoles(), h.cloud.CustomRoles(cc.ProjectID))
	assert.True(t, h.cloud.HasProjectPolicy(cc.ProjectID))

	again := h.run(t, OpCreateCloudContext, "ws-1", CreateCloudContextParams{})
	assert.Equal(t, saga.StatusFailed, again.Status)
	assert.Equal(t, http.StatusConflict, again.Error.StatusCode)
}

func TestCreateCloudContext_UndoesEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.cloud.FailNext("ApplyProjectPolicy", infrastructure.Permanent("ApplyProjectPolicy"))

	run := h.run(t, OpCreateCloudContext, "ws-1", CreateCloudContextParams{})
	require.Equal(t, saga.StatusFailed, run.Status)

	projectID, err := saga.Value[string](run.Memory, memProjectID)
	require.NoError(t, err)
	requestID, err := saga.Value[string](run.Memory, memRequestID)
	require.NoError(t, err)

	_, err = h.contexts.Get(context.Background(), "ws-1")
	assert.ErrorIs(t, err, domain.ErrCloudContextNotFound)
	_, ok := h.cloud.BillingAccount(projectID)
	assert.False(t, ok)
	assert.Empty(t, h.cloud.CustomRoles(projectID))
	_, ok = h.cloud.ProjectFor(requestID)
	assert.False(t, ok, "project released to the pool")
	assert.Equal(t, 1, h.cloud.Calls("RemovePolicyGroups"))
}

func TestCreateResource(t *testing.T) {
	h := newHarness(t, nil)
	projectID := h.provision(t, "ws-1")

	run := h.run(t, OpCreateControlledResource, "ws-1", bucketParams("bucket-a"))
	require.Equal(t, saga.StatusSucceeded, run.Status, "%+v", run.Error)

	var response ResourceResponse
	require.NoError(t, json.Unmarshal(run.Result, &response))
	assert.Equal(t, domain.StateReady, response.State)
	assert.Equal(t, "bucket-a", response.Name)

	resource, err := h.resources.Get(context.Background(), "ws-1", response.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, resource.State)
	assert.Empty(t, resource.OwnerRunID)
	assert.True(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-a"))
	assert.True(t, h.cloud.HasResourceAccess(projectID, domain.KindBucket, "bucket-a"))
}

func TestCreateResource_RetriesTransientCloudErrors(t *testing.T) {
	h := newHarness(t, nil)
	projectID := h.provision(t, "ws-1")
	h.cloud.FailNext("CreateBucket", infrastructure.Transient("CreateBucket"), infrastructure.Transient("CreateBucket"))

	run := h.run(t, OpCreateControlledResource, "ws-1", bucketParams("bucket-a"))
	require.Equal(t, saga.StatusSucceeded, run.Status)
	assert.Equal(t, 3, h.cloud.Calls("CreateBucket"))
	assert.True(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-a"))
}

func TestCreateResource_GrantFails(t *testing.T) {
	tests := []struct {
		name      string
		onFailure domain.OnCreateFailure
		verify    func(t *testing.T, h *harness, run *saga.Run, resourceID string)
	}{
		{
			name:      "delete on failure removes the row",
			onFailure: domain.DeleteOnFailure,
			verify: func(t *testing.T, h *harness, _ *saga.Run, resourceID string) {
				_, err := h.resources.Get(context.Background(), "ws-1", resourceID)
				assert.ErrorIs(t, err, domain.ErrResourceNotFound)
			},
		},
		{
			name:      "broken on failure keeps a BROKEN row",
			onFailure: domain.BrokenOnFailure,
			verify: func(t *testing.T, h *harness, run *saga.Run, resourceID string) {
				resource, err := h.resources.Get(context.Background(), "ws-1", resourceID)
				require.NoError(t, err)
				assert.Equal(t, domain.StateBroken, resource.State)
				assert.Empty(t, resource.OwnerRunID)
				assert.Contains(t, resource.ErrorMessage, run.ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			projectID := h.provision(t, "ws-1")
			h.cloud.FailNext("GrantResourceAccess", infrastructure.Permanent("GrantResourceAccess"))

			params := bucketParams("bucket-a")
			params.ResourceID = uuid.New().String()
			params.OnCreateFailure = tt.onFailure
			run := h.run(t, OpCreateControlledResource, "ws-1", params)

			require.Equal(t, saga.StatusFailed, run.Status)
			require.NotNil(t, run.Error)
			assert.Equal(t, http.StatusBadRequest, run.Error.StatusCode)
			assert.False(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-a"), "cloud object undone")
			tt.verify(t, h, run, params.ResourceID)
		})
	}
}

func TestCreateResource_WithoutCloudContext(t *testing.T) {
	h := newHarness(t, nil)

	params := bucketParams("bucket-a")
	params.ResourceID = "r-1"
	run := h.run(t, OpCreateControlledResource, "ws-1", params)

	require.Equal(t, saga.StatusFailed, run.Status)
	assert.Equal(t, http.StatusNotFound, run.Error.StatusCode)
	_, err := h.resources.Get(context.Background(), "ws-1", "r-1")
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
}

func TestUpdateResource(t *testing.T) {
	h := newHarness(t, nil)
	projectID := h.provision(t, "ws-1")

	create := bucketParams("bucket-a")
	create.ResourceID = "r-1"
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", create).Status)

	coldline, err := SpecOf(domain.Bucket{Name: "bucket-a", Location: "US", StorageClass: "COLDLINE"})
	require.NoError(t, err)

	t.Run("applies the new attributes", func(t *testing.T) {
		run := h.run(t, OpUpdateControlledResource, "ws-1", UpdateResourceParams{ResourceID: "r-1", Resource: coldline})
		require.Equal(t, saga.StatusSucceeded, run.Status, "%+v", run.Error)

		resource, err := h.resources.Get(context.Background(), "ws-1", "r-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateReady, resource.State)
		assert.Equal(t, "COLDLINE", resource.Kind.(domain.Bucket).StorageClass)

		object, ok := h.cloud.Object(projectID, domain.KindBucket, "bucket-a")
		require.True(t, ok)
		assert.Equal(t, "COLDLINE", object.(domain.Bucket).StorageClass)
	})

	t.Run("failure restores the prior attributes", func(t *testing.T) {
		archive, err := SpecOf(domain.Bucket{Name: "bucket-a", Location: "US", StorageClass: "ARCHIVE"})
		require.NoError(t, err)
		h.cloud.FailNext("UpdateBucket", infrastructure.Permanent("UpdateBucket"))

		run := h.run(t, OpUpdateControlledResource, "ws-1", UpdateResourceParams{ResourceID: "r-1", Resource: archive})
		require.Equal(t, saga.StatusFailed, run.Status)

		resource, err := h.resources.Get(context.Background(), "ws-1", "r-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateReady, resource.State)
		assert.Empty(t, resource.OwnerRunID)
		assert.Equal(t, "COLDLINE", resource.Kind.(domain.Bucket).StorageClass)
	})

	t.Run("renaming is refused", func(t *testing.T) {
		renamed, err := SpecOf(domain.Bucket{Name: "bucket-b", Location: "US"})
		require.NoError(t, err)

		run := h.run(t, OpUpdateControlledResource, "ws-1", UpdateResourceParams{ResourceID: "r-1", Resource: renamed})
		require.Equal(t, saga.StatusFailed, run.Status)
		assert.Equal(t, http.StatusBadRequest, run.Error.StatusCode)
	})
}

func TestDeleteResource(t *testing.T) {
	h := newHarness(t, nil)
	projectID := h.provision(t, "ws-1")

	create := bucketParams("bucket-a")
	create.ResourceID = "r-1"
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", create).Status)

	run := h.run(t, OpDeleteControlledResource, "ws-1", DeleteResourceParams{ResourceID: "r-1"})
	require.Equal(t, saga.StatusSucceeded, run.Status, "%+v", run.Error)

	var response DeleteResponse
	require.NoError(t, json.Unmarshal(run.Result, &response))
	assert.True(t, response.Deleted)

	_, err := h.resources.Get(context.Background(), "ws-1", "r-1")
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
	assert.False(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-a"))
	assert.False(t, h.cloud.HasResourceAccess(projectID, domain.KindBucket, "bucket-a"))

	missing := h.run(t, OpDeleteControlledResource, "ws-1", DeleteResourceParams{ResourceID: "r-1"})
	assert.Equal(t, saga.StatusFailed, missing.Status)
	assert.Equal(t, http.StatusNotFound, missing.Error.StatusCode)
}

func TestDeleteResource_AbortKeepsBroken(t *testing.T) {
	h := newHarness(t, nil)
	projectID := h.provision(t, "ws-1")

	vm, err := SpecOf(domain.VM{InstanceName: "vm-1", Zone: "us-central1-a", MachineType: "n1-standard-1"})
	require.NoError(t, err)
	h.cloud.FailNext("GrantResourceAccess", infrastructure.Permanent("GrantResourceAccess"))
	create := h.run(t, OpCreateControlledResource, "ws-1", CreateResourceParams{ResourceID: "vm-r", Resource: vm})
	require.Equal(t, saga.StatusFailed, create.Status)

	broken, err := h.resources.Get(context.Background(), "ws-1", "vm-r")
	require.NoError(t, err)
	require.Equal(t, domain.StateBroken, broken.State, "VM defaults to broken on failure")

	h.cloud.FailNext("RevokeResourceAccess", infrastructure.Permanent("RevokeResourceAccess"))
	run := h.run(t, OpDeleteControlledResource, "ws-1", DeleteResourceParams{ResourceID: "vm-r"})
	require.Equal(t, saga.StatusFailed, run.Status)

	resource, err := h.resources.Get(context.Background(), "ws-1", "vm-r")
	require.NoError(t, err)
	assert.Equal(t, domain.StateBroken, resource.State)
	assert.Equal(t, broken.ErrorMessage, resource.ErrorMessage)
	assert.Empty(t, resource.OwnerRunID)

	again := h.run(t, OpDeleteControlledResource, "ws-1", DeleteResourceParams{ResourceID: "vm-r"})
	require.Equal(t, saga.StatusSucceeded, again.Status, "%+v", again.Error)
	assert.False(t, h.cloud.Exists(projectID, domain.KindVM, "vm-1"))
}

// lostDelete fails the final metadata transition of a delete
type lostDelete struct {
	domain.ResourceRepository
}

func (l lostDelete) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.ManagedResource, error) {
	if req.Trigger == domain.TriggerDeleteSucceeded {
		return nil, domain.ErrResourceBusy
	}
	return l.ResourceRepository.Transition(ctx, req)
}

func TestDeleteResource_FailurePastPointOfNoReturnIsDismal(t *testing.T) {
	h := newHarness(t, func(r domain.ResourceRepository) domain.ResourceRepository {
		return lostDelete{ResourceRepository: r}
	})
	projectID := h.provision(t, "ws-1")

	create := bucketParams("bucket-a")
	create.ResourceID = "r-1"
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", create).Status)

	run := h.run(t, OpDeleteControlledResource, "ws-1", DeleteResourceParams{ResourceID: "r-1"})
	require.Equal(t, saga.StatusFatal, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, run.Error.Causes, "original failure: "+domain.ErrResourceBusy.Error())

	assert.False(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-a"))
	resource, err := h.resources.Get(context.Background(), "ws-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeleting, resource.State)
	assert.Equal(t, run.ID, resource.OwnerRunID)
}

func TestCloneWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	srcProject := h.provision(t, "ws-src")
	dstProject := h.provision(t, "ws-dst")

	bucket := bucketParams("bucket-a")
	bucket.ResourceID = "bucket-r"
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-src", bucket).Status)

	dataset, err := SpecOf(domain.Dataset{DatasetID: "ds_1", Location: "US"})
	require.NoError(t, err)
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-src", CreateResourceParams{
		ResourceID: "dataset-r", Resource: dataset, CloningInstructions: domain.CloneCopyNothing,
	}).Status)

	vm, err := SpecOf(domain.VM{InstanceName: "vm-1", Zone: "us-central1-a", MachineType: "n1-standard-1"})
	require.NoError(t, err)
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-src", CreateResourceParams{
		ResourceID: "vm-r", Resource: vm, CloningInstructions: domain.CloneCopyResource,
	}).Status)

	container, err := SpecOf(domain.StorageContainer{Name: "sc-1", StorageAccount: "acct"})
	require.NoError(t, err)
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-src", CreateResourceParams{
		ResourceID: "container-r", Resource: container, CloningInstructions: domain.CloneCopyResource,
	}).Status)
	h.cloud.FailNext("CopyContents", infrastructure.Permanent("CopyContents"), infrastructure.Permanent("CopyContents"))

	run := h.run(t, OpCloneWorkspace, "ws-src", CloneWorkspaceParams{DestinationWorkspaceID: "ws-dst"})
	require.Equal(t, saga.StatusSucceeded, run.Status, "%+v", run.Error)

	var response CloneResponse
	require.NoError(t, json.Unmarshal(run.Result, &response))
	statuses := map[string]CloneStatus{}
	for _, item := range response.Resources {
		statuses[item.SourceResourceID] = item.Status
	}
	assert.Equal(t, map[string]CloneStatus{
		"bucket-r":    CloneFailed,
		"dataset-r":   CloneSkipped,
		"vm-r":        CloneSkipped,
		"container-r": CloneFailed,
	}, statuses)

	cloned, err := h.resources.List(context.Background(), "ws-dst")
	require.NoError(t, err)
	assert.Empty(t, cloned, "failed items leave nothing behind")
	assert.True(t, h.cloud.Exists(srcProject, domain.KindBucket, "bucket-a"))

	retry := h.run(t, OpCloneWorkspace, "ws-src", CloneWorkspaceParams{DestinationWorkspaceID: "ws-dst"})
	require.Equal(t, saga.StatusSucceeded, retry.Status)

	cloned, err = h.resources.List(context.Background(), "ws-dst")
	require.NoError(t, err)
	require.Len(t, cloned, 2)
	for _, r := range cloned {
		assert.Equal(t, domain.StateReady, r.State)
		assert.True(t, h.cloud.Exists(dstProject, r.Kind.Kind(), r.Kind.CloudName()))
		if b, ok := r.Kind.(domain.Bucket); ok {
			assert.Equal(t, "bucket-a-"+r.ResourceID[:8], b.Name)
		}
	}
}

func TestDeleteWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	projectID := h.provision(t, "ws-1")

	for _, name := range []string{"bucket-a", "bucket-b"} {
		require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", bucketParams(name)).Status)
	}

	run := h.run(t, OpDeleteWorkspace, "ws-1", DeleteWorkspaceParams{})
	require.Equal(t, saga.StatusSucceeded, run.Status, "%+v", run.Error)

	var response WorkspaceDeleteResponse
	require.NoError(t, json.Unmarshal(run.Result, &response))
	assert.Len(t, response.DeletedResources, 2)
	assert.True(t, response.CloudContextDeleted)

	remaining, err := h.resources.List(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	_, err = h.contexts.Get(context.Background(), "ws-1")
	assert.ErrorIs(t, err, domain.ErrCloudContextNotFound)
	assert.False(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-a"))
	assert.False(t, h.cloud.HasProjectPolicy(projectID))
	_, ok := h.cloud.BillingAccount(projectID)
	assert.False(t, ok)

	empty := h.run(t, OpDeleteWorkspace, "ws-1", DeleteWorkspaceParams{})
	require.Equal(t, saga.StatusSucceeded, empty.Status)
	require.NoError(t, json.Unmarshal(empty.Result, &response))
	assert.Empty(t, response.DeletedResources)
	assert.False(t, response.CloudContextDeleted)
}

func TestPriorState(t *testing.T) {
	tests := []struct {
		name     string
		resource domain.ManagedResource
		want     domain.ResourceState
	}{
		{name: "ready", resource: domain.ManagedResource{State: domain.StateReady}, want: domain.StateReady},
		{name: "broken", resource: domain.ManagedResource{State: domain.StateBroken, ErrorMessage: "x"}, want: domain.StateBroken},
		{name: "deleting from ready", resource: domain.ManagedResource{State: domain.StateDeleting}, want: domain.StateReady},
		{name: "deleting from broken", resource: domain.ManagedResource{State: domain.StateDeleting, ErrorMessage: "x"}, want: domain.StateBroken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, priorState(&tt.resource))
		})
	}
}

// flakyReads fails the next failures reads of a resource row with a transient error
type flakyReads struct {
	domain.ResourceRepository
	failures *atomic.Int32
}

func (f flakyReads) Get(ctx context.Context, workspaceID, resourceID string) (*domain.ManagedResource, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.ResourceRepository.Get(ctx, workspaceID, resourceID)
}

func TestCreateResource_ReadFailuresAfterReadyDoNotFailTheJob(t *testing.T) {
	failures := &atomic.Int32{}
	h := newHarness(t, func(r domain.ResourceRepository) domain.ResourceRepository {
		return flakyReads{ResourceRepository: r, failures: failures}
	})
	h.provision(t, "ws-1")

	params := bucketParams("bucket-a")
	params.ResourceID = "r-1"
	failures.Store(100)

	run := h.run(t, OpCreateControlledResource, "ws-1", params)
	require.Equal(t, saga.StatusSucceeded, run.Status, "%+v", run.Error)

	var response ResourceResponse
	require.NoError(t, json.Unmarshal(run.Result, &response))
	assert.Equal(t, "r-1", response.ResourceID)
	assert.Equal(t, "bucket-a", response.Name)
	assert.Equal(t, domain.StateReady, response.State)

	resource, err := h.resources.Get(context.Background(), "ws-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, resource.State)
	assert.Empty(t, resource.OwnerRunID)
}

func TestUpdateResource_TransientReadFailure(t *testing.T) {
	failures := &atomic.Int32{}
	h := newHarness(t, func(r domain.ResourceRepository) domain.ResourceRepository {
		return flakyReads{ResourceRepository: r, failures: failures}
	})
	projectID := h.provision(t, "ws-1")

	create := bucketParams("bucket-a")
	create.ResourceID = "r-1"
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", create).Status)

	coldline, err := SpecOf(domain.Bucket{Name: "bucket-a", Location: "US", StorageClass: "COLDLINE"})
	require.NoError(t, err)
	failures.Store(1)

	run := h.run(t, OpUpdateControlledResource, "ws-1", UpdateResourceParams{ResourceID: "r-1", Resource: coldline})
	require.Equal(t, saga.StatusSucceeded, run.Status, "%+v", run.Error)

	var response ResourceResponse
	require.NoError(t, json.Unmarshal(run.Result, &response))
	assert.Equal(t, domain.StateReady, response.State)

	resource, err := h.resources.Get(context.Background(), "ws-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, "COLDLINE", resource.Kind.(domain.Bucket).StorageClass)
	object, ok := h.cloud.Object(projectID, domain.KindBucket, "bucket-a")
	require.True(t, ok)
	assert.Equal(t, "COLDLINE", object.(domain.Bucket).StorageClass)
}

// lostFinishUpdate commits the finish of an update to storageClass and then
// reports a transient error, as a dropped connection would
type lostFinishUpdate struct {
	domain.ResourceRepository
	storageClass string
}

func (l lostFinishUpdate) Transition(ctx context.Context, req domain.TransitionRequest) (*domain.ManagedResource, error) {
	resource, err := l.ResourceRepository.Transition(ctx, req)
	if err != nil {
		return resource, err
	}
	if bucket, ok := req.Kind.(domain.Bucket); ok && req.Trigger == domain.TriggerFinishUpdate && bucket.StorageClass == l.storageClass {
		return nil, errors.New("connection reset by peer")
	}
	return resource, nil
}

func TestUpdateResource_LostFinishRestoresMetadataAndCloud(t *testing.T) {
	h := newHarness(t, func(r domain.ResourceRepository) domain.ResourceRepository {
		return lostFinishUpdate{ResourceRepository: r, storageClass: "COLDLINE"}
	})
	projectID := h.provision(t, "ws-1")

	create := bucketParams("bucket-a")
	create.ResourceID = "r-1"
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", create).Status)

	coldline, err := SpecOf(domain.Bucket{Name: "bucket-a", Location: "US", StorageClass: "COLDLINE"})
	require.NoError(t, err)

	run := h.run(t, OpUpdateControlledResource, "ws-1", UpdateResourceParams{ResourceID: "r-1", Resource: coldline})
	require.Equal(t, saga.StatusFailed, run.Status, "%+v", run.Error)

	resource, err := h.resources.Get(context.Background(), "ws-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, resource.State)
	assert.Empty(t, resource.OwnerRunID)
	assert.Equal(t, "STANDARD", resource.Kind.(domain.Bucket).StorageClass)

	object, ok := h.cloud.Object(projectID, domain.KindBucket, "bucket-a")
	require.True(t, ok)
	assert.Equal(t, "STANDARD", object.(domain.Bucket).StorageClass)
}

func TestUpdateResource_UndoAfterFinish(t *testing.T) {
	h := newHarness(t, nil)
	projectID := h.provision(t, "ws-1")

	create := bucketParams("bucket-a")
	create.ResourceID = "r-1"
	require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", create).Status)

	coldline := domain.Bucket{Name: "bucket-a", Location: "US", StorageClass: "COLDLINE"}
	ops, err := opsFor(h.cloud, coldline)
	require.NoError(t, err)

	toolbox := &Toolbox{Resources: h.resources, CloudContexts: h.contexts, Provisioner: h.cloud, Projects: h.cloud, Billing: h.cloud, IAM: h.cloud}
	target := &updateTarget{workspaceID: "ws-1", resourceID: "r-1", kind: coldline, ops: ops}
	steps := []saga.Step{
		&startUpdateStep{resources: h.resources, target: target},
		&updateCloudObjectStep{toolbox: toolbox, target: target},
		&finishUpdateStep{resources: h.resources, target: target},
	}
	sc := &saga.StepContext{RunID: "job-1", Memory: saga.NewMap(), Logger: logger.Nop()}

	for _, step := range steps {
		require.Equal(t, saga.OutcomeSuccess, step.Do(context.Background(), sc).Outcome)
	}
	resource, err := h.resources.Get(context.Background(), "ws-1", "r-1")
	require.NoError(t, err)
	require.Equal(t, "COLDLINE", resource.Kind.(domain.Bucket).StorageClass)

	for i := len(steps) - 1; i >= 0; i-- {
		require.Equal(t, saga.OutcomeSuccess, steps[i].Undo(context.Background(), sc).Outcome, "undo %d", i)
	}

	resource, err = h.resources.Get(context.Background(), "ws-1", "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, resource.State)
	assert.Empty(t, resource.OwnerRunID)
	assert.Equal(t, "STANDARD", resource.Kind.(domain.Bucket).StorageClass)

	object, ok := h.cloud.Object(projectID, domain.KindBucket, "bucket-a")
	require.True(t, ok)
	assert.Equal(t, "STANDARD", object.(domain.Bucket).StorageClass)
}

func TestDeleteWorkspace_ResourceFailure(t *testing.T) {
	tests := []struct {
		name     string
		failures []error
		status   saga.Status
		verify   func(t *testing.T, h *harness, projectID string)
	}{
		{
			name:     "failure on the first resource releases everything",
			failures: []error{infrastructure.Permanent("DeleteBucket")},
			status:   saga.StatusFailed,
			verify: func(t *testing.T, h *harness, projectID string) {
				for _, name := range []string{"bucket-a", "bucket-b"} {
					assert.True(t, h.cloud.Exists(projectID, domain.KindBucket, name), name)
					assert.True(t, h.cloud.HasResourceAccess(projectID, domain.KindBucket, name), name)
				}
			},
		},
		{
			name:     "failure after a resource is gone is dismal",
			failures: []error{nil, infrastructure.Permanent("DeleteBucket")},
			status:   saga.StatusFatal,
			verify: func(t *testing.T, h *harness, projectID string) {
				_, err := h.resources.Get(context.Background(), "ws-1", "r-a")
				assert.ErrorIs(t, err, domain.ErrResourceNotFound)
				assert.False(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-a"))

				assert.True(t, h.cloud.Exists(projectID, domain.KindBucket, "bucket-b"))
				assert.True(t, h.cloud.HasResourceAccess(projectID, domain.KindBucket, "bucket-b"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			projectID := h.provision(t, "ws-1")

			for _, name := range []string{"a", "b"} {
				params := bucketParams("bucket-" + name)
				params.ResourceID = "r-" + name
				require.Equal(t, saga.StatusSucceeded, h.run(t, OpCreateControlledResource, "ws-1", params).Status)
			}
			h.cloud.FailNext("DeleteBucket", tt.failures...)

			run := h.run(t, OpDeleteWorkspace, "ws-1", DeleteWorkspaceParams{})
			require.Equal(t, tt.status, run.Status, "%+v", run.Error)

			remaining, err := h.resources.List(context.Background(), "ws-1")
			require.NoError(t, err)
			for _, r := range remaining {
				assert.Equal(t, domain.StateReady, r.State, r.ResourceID)
				assert.Empty(t, r.OwnerRunID, r.ResourceID)
			}
			_, err = h.contexts.Get(context.Background(), "ws-1")
			assert.NoError(t, err)

			tt.verify(t, h, projectID)
		})
	}
}
