package application

import (
	"context"

	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/pkg/errors"
)

const (
	defaultJobsLimit = 10
	maxJobsLimit     = 100
)

// ListJobsQuery represents the query to enumerate a requester's jobs
type ListJobsQuery struct {
	SubjectID   string `json:"subject_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Offset      int    `json:"offset"`
	Limit       int    `json:"limit"`
}

// ListJobsResponse represents one page of jobs, newest first
type ListJobsResponse struct {
	Jobs   []*JobReport `json:"jobs"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// ListJobs use case
type ListJobs struct {
	runs          RunReader
	resultURLBase string
}

// NewListJobs creates a new ListJobs use case
func NewListJobs(runs RunReader, resultURLBase string) *ListJobs {
	return &ListJobs{runs: runs, resultURLBase: resultURLBase}
}

// Execute executes the list jobs use case
func (uc *ListJobs) Execute(ctx context.Context, query *ListJobsQuery) (*ListJobsResponse, error) {
	if query.SubjectID == "" {
		return nil, ErrSubjectRequired
	}
	if query.Offset < 0 {
		return nil, errors.Wrap(ErrInvalidJob, "offset must not be negative")
	}

	limit := query.Limit
	switch {
	case limit <= 0:
		limit = defaultJobsLimit
	case limit > maxJobsLimit:
		limit = maxJobsLimit
	}

	runs, err := uc.runs.List(ctx, saga.ListFilter{
		SubjectID:   query.SubjectID,
		WorkspaceID: query.WorkspaceID,
		Offset:      query.Offset,
		Limit:       limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}

	response := &ListJobsResponse{
		Jobs:   make([]*JobReport, 0, len(runs)),
		Offset: query.Offset,
		Limit:  limit,
	}
	for _, run := range runs {
		report, err := newJobReport(run, uc.resultURLBase)
		if err != nil {
			return nil, err
		}
		response.Jobs = append(response.Jobs, report)
	}
	return response, nil
}
