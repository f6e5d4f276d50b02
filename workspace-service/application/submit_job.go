package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/models"
	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/draftea/workspace-manager/workspace-service/sagas"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// SubmitJobCommand represents the command to start an asynchronous operation
type SubmitJobCommand struct {
	JobID         string          `json:"job_id,omitempty"`
	OperationType string          `json:"operation_type"`
	Description   string          `json:"description,omitempty"`
	SubjectID     string          `json:"subject_id,omitempty"`
	WorkspaceID   string          `json:"workspace_id"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}

// SubmitJobResponse represents the response after submitting a job
type SubmitJobResponse struct {
	Job *JobReport `json:"job"`
	// Duplicate is set when the job id was already submitted with the same request
	Duplicate bool `json:"duplicate"`
}

// SubmitJob use case. Jobs cannot be cancelled once submitted.
type SubmitJob struct {
	submitter     RunSubmitter
	runs          RunReader
	locker        domain.ResourceLocker
	eventStore    events.EventStore
	publisher     events.Publisher
	settings      sagas.Settings
	lockTTL       time.Duration
	resultURLBase string
	log           *logger.Logger
}

// NewSubmitJob creates a new SubmitJob use case
func NewSubmitJob(
	submitter RunSubmitter,
	runs RunReader,
	locker domain.ResourceLocker,
	eventStore events.EventStore,
	publisher events.Publisher,
	settings sagas.Settings,
	lockTTL time.Duration,
	resultURLBase string,
	log *logger.Logger,
) *SubmitJob {
	return &SubmitJob{
		submitter:     submitter,
		runs:          runs,
		locker:        locker,
		eventStore:    eventStore,
		publisher:     publisher,
		settings:      settings,
		lockTTL:       lockTTL,
		resultURLBase: resultURLBase,
		log:           log,
	}
}

// Execute validates the command and starts the run
func (uc *SubmitJob) Execute(ctx context.Context, cmd *SubmitJobCommand) (*SubmitJobResponse, error) {
	if cmd.SubjectID == "" {
		return nil, ErrSubjectRequired
	}

	jobID := uuid.New().String()
	if cmd.JobID != "" {
		id, err := models.NewOpaqueID(cmd.JobID)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidJob, "job id must not be blank")
		}
		jobID = id.String()

		if response, err := uc.existing(ctx, jobID, cmd); err != nil || response != nil {
			return response, err
		}
	}

	inputs, err := sagas.Prepare(cmd.OperationType, cmd.WorkspaceID, cmd.Parameters, uc.settings)
	if err != nil {
		return nil, err
	}

	lockKey, locked := sagas.LockTarget(cmd.OperationType, inputs)
	if locked {
		held, err := uc.locker.Acquire(ctx, lockKey, jobID, uc.lockTTL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to acquire resource lock")
		}
		if !held {
			return nil, errors.Wrapf(ErrResourceLocked, "%s", lockKey)
		}
	}

	run, err := uc.submitter.Submit(ctx, saga.NewRunRequest{
		ID:            jobID,
		OperationType: cmd.OperationType,
		Description:   cmd.Description,
		SubjectID:     cmd.SubjectID,
		WorkspaceID:   cmd.WorkspaceID,
		Inputs:        inputs,
	})
	if err != nil {
		// the lock holder is the job id, so a run that already exists under it owns the lock
		if locked && !errors.Is(err, saga.ErrRunExists) {
			if relErr := uc.locker.Release(ctx, lockKey, jobID); relErr != nil {
				uc.log.WithError(relErr).Warnf("failed to release resource lock", map[string]interface{}{"lock": lockKey})
			}
		}
		if errors.Is(err, saga.ErrRunExists) {
			if response, existErr := uc.existing(ctx, jobID, cmd); existErr != nil || response != nil {
				return response, existErr
			}
		}
		return nil, errors.Wrap(err, "failed to submit job")
	}

	report, err := newJobReport(run, uc.resultURLBase)
	if err != nil {
		return nil, err
	}

	uc.recordSubmitted(ctx, run, report)

	return &SubmitJobResponse{Job: report}, nil
}

// existing returns the stored job when jobID was already submitted
func (uc *SubmitJob) existing(ctx context.Context, jobID string, cmd *SubmitJobCommand) (*SubmitJobResponse, error) {
	run, err := uc.runs.Get(ctx, jobID)
	if errors.Is(err, saga.ErrRunNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find job")
	}

	if run.OperationType != cmd.OperationType || run.SubjectID != cmd.SubjectID {
		return nil, errors.Wrapf(ErrDuplicateJobID, "%s", jobID)
	}

	report, err := newJobReport(run, uc.resultURLBase)
	if err != nil {
		return nil, err
	}
	return &SubmitJobResponse{Job: report, Duplicate: true}, nil
}

// recordSubmitted appends and publishes job.submitted. The run is already durable,
// so failures here are logged and not returned.
func (uc *SubmitJob) recordSubmitted(ctx context.Context, run *saga.Run, report *JobReport) {
	event := events.NewEvent(models.ID(run.ID), events.JobSubmittedEvent, report).
		WithMetadata("operation_type", run.OperationType).
		WithMetadata("subject_id", run.SubjectID)

	if err := uc.eventStore.Append(ctx, event); err != nil {
		uc.log.WithError(err).Errorf("failed to append job event", map[string]interface{}{"job_id": run.ID})
	}
	if err := uc.publisher.Publish(ctx, event); err != nil {
		uc.log.WithError(err).Errorf("failed to publish job event", map[string]interface{}{"job_id": run.ID})
	}

	telemetry.RecordCounter(ctx, "jobs_submitted_total", "Jobs accepted for execution", 1,
		attribute.String("operation_type", run.OperationType),
	)
}

// IsInvalidRequest reports whether err rejects the request itself, so resubmitting
// it unchanged can never succeed
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidJob) ||
		errors.Is(err, ErrSubjectRequired) ||
		errors.Is(err, ErrDuplicateJobID) ||
		errors.Is(err, sagas.ErrInvalidParameters) ||
		errors.Is(err, saga.ErrUnknownOperation) ||
		domain.IsDomainError(err)
}
