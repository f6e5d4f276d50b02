package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/draftea/workspace-manager/workspace-service/infrastructure"
	"github.com/draftea/workspace-manager/workspace-service/mocks"
	"github.com/draftea/workspace-manager/workspace-service/sagas"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testLockTTL   = time.Minute
	testResultURL = "http://localhost:8080"
)

func createBucketParams(t *testing.T, resourceID string) json.RawMessage {
	t.Helper()
	spec, err := sagas.SpecOf(domain.Bucket{Name: "analysis-data", Location: "US"})
	require.NoError(t, err)
	raw, err := json.Marshal(sagas.CreateResourceParams{ResourceID: resourceID, Resource: spec})
	require.NoError(t, err)
	return raw
}

func acceptRun(_ context.Context, req saga.NewRunRequest) (*saga.Run, error) {
	return saga.NewRun(req, time.Now()), nil
}

func isEvent(eventType string) interface{} {
	return mock.MatchedBy(func(evt *events.Event) bool {
		return evt.EventType == eventType
	})
}

func TestSubmitJob_Execute(t *testing.T) {
	createParams := createBucketParams(t, "r-1")

	existingRun := &saga.Run{
		ID:            "job-1",
		OperationType: sagas.OpCreateControlledResource,
		SubjectID:     "alice",
		WorkspaceID:   "ws-1",
		Status:        saga.StatusSucceeded,
		Result:        json.RawMessage(`{"resource_id":"r-1"}`),
	}

	tests := []struct {
		name           string
		command        *SubmitJobCommand
		setupMocks     func(*mocks.MockRunSubmitter, *mocks.MockRunReader, *mocks.MockResourceLocker, *mocks.MockEventStore, *mocks.MockPublisher)
		expectedError  string
		validateResult func(*SubmitJobResponse)
	}{
		{
			name: "successful resource creation locks the resource",
			command: &SubmitJobCommand{
				OperationType: sagas.OpCreateControlledResource,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    createParams,
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				locker.EXPECT().Acquire(mock.Anything, "ws-1/r-1", mock.Anything, testLockTTL).Return(true, nil).Once()
				submitter.EXPECT().Submit(mock.Anything, mock.MatchedBy(func(req saga.NewRunRequest) bool {
					return req.OperationType == sagas.OpCreateControlledResource &&
						req.SubjectID == "alice" &&
						req.WorkspaceID == "ws-1" &&
						req.Inputs.Contains(sagas.KeySettings)
				})).RunAndReturn(acceptRun).Once()
				store.EXPECT().Append(mock.Anything, isEvent(events.JobSubmittedEvent)).Return(nil).Once()
				publisher.EXPECT().Publish(mock.Anything, isEvent(events.JobSubmittedEvent)).Return(nil).Once()
			},
			validateResult: func(result *SubmitJobResponse) {
				assert.False(t, result.Duplicate)
				assert.NotEmpty(t, result.Job.ID)
				assert.Equal(t, JobRunning, result.Job.Status)
				assert.Equal(t, 202, result.Job.StatusCode)
				assert.Equal(t, testResultURL+"/jobs/"+result.Job.ID, result.Job.ResultURL)
			},
		},
		{
			name: "cloud context creation takes no resource lock",
			command: &SubmitJobCommand{
				JobID:         "job-ctx",
				OperationType: sagas.OpCreateCloudContext,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    json.RawMessage(`{"billing_account":"billing-1"}`),
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				runs.EXPECT().Get(mock.Anything, "job-ctx").Return(nil, saga.ErrRunNotFound).Once()
				submitter.EXPECT().Submit(mock.Anything, mock.MatchedBy(func(req saga.NewRunRequest) bool {
					return req.ID == "job-ctx"
				})).RunAndReturn(acceptRun).Once()
				store.EXPECT().Append(mock.Anything, isEvent(events.JobSubmittedEvent)).Return(nil).Once()
				publisher.EXPECT().Publish(mock.Anything, isEvent(events.JobSubmittedEvent)).Return(nil).Once()
			},
			validateResult: func(result *SubmitJobResponse) {
				assert.Equal(t, "job-ctx", result.Job.ID)
			},
		},
		{
			name: "event failures do not fail the submission",
			command: &SubmitJobCommand{
				OperationType: sagas.OpDeleteWorkspace,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				submitter.EXPECT().Submit(mock.Anything, mock.Anything).RunAndReturn(acceptRun).Once()
				store.EXPECT().Append(mock.Anything, mock.Anything).Return(errors.New("database down")).Once()
				publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("topic missing")).Once()
			},
			validateResult: func(result *SubmitJobResponse) {
				assert.Equal(t, JobRunning, result.Job.Status)
			},
		},
		{
			name: "same job id and request returns the stored job",
			command: &SubmitJobCommand{
				JobID:         "job-1",
				OperationType: sagas.OpCreateControlledResource,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    createParams,
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				runs.EXPECT().Get(mock.Anything, "job-1").Return(existingRun, nil).Once()
			},
			validateResult: func(result *SubmitJobResponse) {
				assert.True(t, result.Duplicate)
				assert.Equal(t, JobSucceeded, result.Job.Status)
				assert.JSONEq(t, `{"resource_id":"r-1"}`, string(result.Job.Result))
			},
		},
		{
			name: "same job id for a different request",
			command: &SubmitJobCommand{
				JobID:         "job-1",
				OperationType: sagas.OpDeleteWorkspace,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				runs.EXPECT().Get(mock.Anything, "job-1").Return(existingRun, nil).Once()
			},
			expectedError: "job id already used for a different request",
		},
		{
			name: "job id submitted concurrently by the same request",
			command: &SubmitJobCommand{
				JobID:         "job-1",
				OperationType: sagas.OpCreateControlledResource,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    createParams,
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				runs.EXPECT().Get(mock.Anything, "job-1").Return(nil, saga.ErrRunNotFound).Once()
				locker.EXPECT().Acquire(mock.Anything, "ws-1/r-1", "job-1", testLockTTL).Return(true, nil).Once()
				submitter.EXPECT().Submit(mock.Anything, mock.Anything).Return(nil, saga.ErrRunExists).Once()
				runs.EXPECT().Get(mock.Anything, "job-1").Return(existingRun, nil).Once()
			},
			validateResult: func(result *SubmitJobResponse) {
				assert.True(t, result.Duplicate)
			},
		},
		{
			name: "resource locked by another job",
			command: &SubmitJobCommand{
				OperationType: sagas.OpCreateControlledResource,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    createParams,
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				locker.EXPECT().Acquire(mock.Anything, "ws-1/r-1", mock.Anything, testLockTTL).Return(false, nil).Once()
			},
			expectedError: "resource is locked by another job",
		},
		{
			name: "lock failure",
			command: &SubmitJobCommand{
				OperationType: sagas.OpCreateControlledResource,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    createParams,
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				locker.EXPECT().Acquire(mock.Anything, "ws-1/r-1", mock.Anything, testLockTTL).Return(false, errors.New("redis unreachable")).Once()
			},
			expectedError: "failed to acquire resource lock",
		},
		{
			name: "submit failure releases the lock",
			command: &SubmitJobCommand{
				JobID:         "job-2",
				OperationType: sagas.OpCreateControlledResource,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    createParams,
			},
			setupMocks: func(submitter *mocks.MockRunSubmitter, runs *mocks.MockRunReader, locker *mocks.MockResourceLocker, store *mocks.MockEventStore, publisher *mocks.MockPublisher) {
				runs.EXPECT().Get(mock.Anything, "job-2").Return(nil, saga.ErrRunNotFound).Once()
				locker.EXPECT().Acquire(mock.Anything, "ws-1/r-1", "job-2", testLockTTL).Return(true, nil).Once()
				submitter.EXPECT().Submit(mock.Anything, mock.Anything).Return(nil, errors.New("store unavailable")).Once()
				locker.EXPECT().Release(mock.Anything, "ws-1/r-1", "job-2").Return(nil).Once()
			},
			expectedError: "failed to submit job",
		},
		{
			name: "missing subject",
			command: &SubmitJobCommand{
				OperationType: sagas.OpDeleteWorkspace,
				WorkspaceID:   "ws-1",
			},
			setupMocks:    func(*mocks.MockRunSubmitter, *mocks.MockRunReader, *mocks.MockResourceLocker, *mocks.MockEventStore, *mocks.MockPublisher) {},
			expectedError: "subject id is required",
		},
		{
			name: "blank job id",
			command: &SubmitJobCommand{
				JobID:         "   ",
				OperationType: sagas.OpDeleteWorkspace,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
			},
			setupMocks:    func(*mocks.MockRunSubmitter, *mocks.MockRunReader, *mocks.MockResourceLocker, *mocks.MockEventStore, *mocks.MockPublisher) {},
			expectedError: "job id must not be blank",
		},
		{
			name: "unknown operation",
			command: &SubmitJobCommand{
				OperationType: "RESIZE_WORKSPACE",
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
			},
			setupMocks:    func(*mocks.MockRunSubmitter, *mocks.MockRunReader, *mocks.MockResourceLocker, *mocks.MockEventStore, *mocks.MockPublisher) {},
			expectedError: "unknown operation type",
		},
		{
			name: "invalid parameters",
			command: &SubmitJobCommand{
				OperationType: sagas.OpDeleteControlledResource,
				SubjectID:     "alice",
				WorkspaceID:   "ws-1",
				Parameters:    json.RawMessage(`{}`),
			},
			setupMocks:    func(*mocks.MockRunSubmitter, *mocks.MockRunReader, *mocks.MockResourceLocker, *mocks.MockEventStore, *mocks.MockPublisher) {},
			expectedError: "resource_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Setup mocks
			mockSubmitter := mocks.NewMockRunSubmitter(t)
			mockRuns := mocks.NewMockRunReader(t)
			mockLocker := mocks.NewMockResourceLocker(t)
			mockStore := mocks.NewMockEventStore(t)
			mockPublisher := mocks.NewMockPublisher(t)

			tt.setupMocks(mockSubmitter, mockRuns, mockLocker, mockStore, mockPublisher)

			// Create use case
			useCase := NewSubmitJob(mockSubmitter, mockRuns, mockLocker, mockStore, mockPublisher,
				sagas.DefaultSettings(), testLockTTL, testResultURL, logger.Nop())

			// Execute
			result, err := useCase.Execute(context.Background(), tt.command)

			// Assertions
			if tt.expectedError != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				assert.Nil(t, result)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, result)
				if tt.validateResult != nil {
					tt.validateResult(result)
				}
			}
		})
	}
}

func TestSubmitJob_ConcurrentDuplicateKeepsLock(t *testing.T) {
	locker := infrastructure.NewMemoryResourceLocker()
	submitter := mocks.NewMockRunSubmitter(t)
	runs := mocks.NewMockRunReader(t)

	winner := &saga.Run{
		ID:            "job-1",
		OperationType: sagas.OpCreateControlledResource,
		SubjectID:     "alice",
		WorkspaceID:   "ws-1",
		Status:        saga.StatusRunning,
	}

	// the winning submission holds the lock and has stored its run in between
	runs.EXPECT().Get(mock.Anything, "job-1").Return(nil, saga.ErrRunNotFound).Once()
	submitter.EXPECT().Submit(mock.Anything, mock.Anything).Return(nil, saga.ErrRunExists).Once()
	runs.EXPECT().Get(mock.Anything, "job-1").Return(winner, nil).Once()

	acquired, err := locker.Acquire(context.Background(), "ws-1/r-1", "job-1", testLockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	useCase := NewSubmitJob(submitter, runs, locker, mocks.NewMockEventStore(t), mocks.NewMockPublisher(t),
		sagas.DefaultSettings(), testLockTTL, testResultURL, logger.Nop())

	result, err := useCase.Execute(context.Background(), &SubmitJobCommand{
		JobID:         "job-1",
		OperationType: sagas.OpCreateControlledResource,
		SubjectID:     "alice",
		WorkspaceID:   "ws-1",
		Parameters:    createBucketParams(t, "r-1"),
	})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	stolen, err := locker.Acquire(context.Background(), "ws-1/r-1", "job-2", testLockTTL)
	require.NoError(t, err)
	assert.False(t, stolen, "the running job must keep its lock")
}

func TestIsInvalidRequest(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "invalid parameters", err: errors.Wrap(sagas.ErrInvalidParameters, "resource_id"), expected: true},
		{name: "unknown operation", err: errors.Wrap(saga.ErrUnknownOperation, "x"), expected: true},
		{name: "domain validation", err: errors.Wrap(domain.ErrInvalidResource, "name"), expected: true},
		{name: "duplicate job id", err: ErrDuplicateJobID, expected: true},
		{name: "locked resource", err: ErrResourceLocked, expected: false},
		{name: "infrastructure failure", err: errors.New("connection refused"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsInvalidRequest(tt.err))
		})
	}
}
