package application

import (
	"context"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/pkg/errors"
)

// GetJobQuery represents the query to poll a job
type GetJobQuery struct {
	JobID     string `json:"job_id"`
	SubjectID string `json:"subject_id"`
}

// GetJob use case. It never blocks on the run.
type GetJob struct {
	runs          RunReader
	authorizer    domain.Authorizer
	resultURLBase string
}

// NewGetJob creates a new GetJob use case
func NewGetJob(runs RunReader, authorizer domain.Authorizer, resultURLBase string) *GetJob {
	return &GetJob{
		runs:          runs,
		authorizer:    authorizer,
		resultURLBase: resultURLBase,
	}
}

// Execute executes the get job use case
func (uc *GetJob) Execute(ctx context.Context, query *GetJobQuery) (*JobReport, error) {
	run, err := uc.authorizedRun(ctx, query.JobID, query.SubjectID)
	if err != nil {
		return nil, err
	}
	return newJobReport(run, uc.resultURLBase)
}

// authorizedRun loads a run the subject may see: its own jobs, or jobs of a
// workspace it can read
func (uc *GetJob) authorizedRun(ctx context.Context, jobID, subjectID string) (*saga.Run, error) {
	if jobID == "" {
		return nil, errors.Wrap(ErrInvalidJob, "job id is required")
	}
	if subjectID == "" {
		return nil, ErrSubjectRequired
	}

	run, err := uc.runs.Get(ctx, jobID)
	if errors.Is(err, saga.ErrRunNotFound) {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find job")
	}

	if run.SubjectID == subjectID {
		return run, nil
	}
	if run.WorkspaceID != "" {
		allowed, err := uc.authorizer.HasWorkspaceAccess(ctx, subjectID, run.WorkspaceID, domain.ActionRead)
		if err != nil {
			return nil, errors.Wrap(err, "failed to check workspace access")
		}
		if allowed {
			return run, nil
		}
	}
	return nil, errors.Wrapf(ErrJobForbidden, "%s", jobID)
}
