package application

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/pkg/errors"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobForbidden     = errors.New("requester may not see this job")
	ErrJobNotReady      = errors.New("job is still running")
	ErrDuplicateJobID   = errors.New("job id already used for a different request")
	ErrResourceLocked   = errors.New("resource is locked by another job")
	ErrInvalidJob       = errors.New("invalid job request")
	ErrSubjectRequired  = errors.New("subject id is required")
	errUnexpectedStatus = errors.New("unexpected run status")
)

// RunSubmitter starts saga runs
type RunSubmitter interface {
	Submit(ctx context.Context, req saga.NewRunRequest) (*saga.Run, error)
}

// RunReader reads runs back for job reporting
type RunReader interface {
	Get(ctx context.Context, id string) (*saga.Run, error)
	List(ctx context.Context, filter saga.ListFilter) ([]*saga.Run, error)
}

// JobStatus is the status exposed to pollers. A dismal run reports FAILED with
// Dismal set.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// JobReport is the poll view of a run
type JobReport struct {
	ID            string          `json:"id"`
	OperationType string          `json:"operation_type"`
	Description   string          `json:"description,omitempty"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	Status        JobStatus       `json:"status"`
	StatusCode    int             `json:"statusCode"`
	Dismal        bool            `json:"dismal,omitempty"`
	Submitted     time.Time       `json:"submitted"`
	Completed     *time.Time      `json:"completed,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *saga.RunError  `json:"error,omitempty"`
	ResultURL     string          `json:"result_url,omitempty"`
}

// IsTerminal reports whether the job finished
func (r *JobReport) IsTerminal() bool {
	return r.Status != JobRunning
}

func newJobReport(run *saga.Run, resultURLBase string) (*JobReport, error) {
	report := &JobReport{
		ID:            run.ID,
		OperationType: run.OperationType,
		Description:   run.Description,
		WorkspaceID:   run.WorkspaceID,
		Submitted:     run.CreatedAt,
		Completed:     run.CompletedAt,
	}
	if resultURLBase != "" {
		report.ResultURL = resultURLBase + "/jobs/" + run.ID
	}

	switch run.Status {
	case saga.StatusRunning:
		report.Status = JobRunning
		report.StatusCode = http.StatusAccepted
	case saga.StatusSucceeded:
		report.Status = JobSucceeded
		report.StatusCode = http.StatusOK
		report.Result = run.Result
	case saga.StatusFailed, saga.StatusFatal:
		report.Status = JobFailed
		report.StatusCode = http.StatusOK
		report.Dismal = run.Status == saga.StatusFatal
		report.Error = run.Error
	default:
		return nil, errors.Wrapf(errUnexpectedStatus, "%q", run.Status)
	}

	return report, nil
}
