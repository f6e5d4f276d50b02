package application

import (
	"context"

	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/models"
	"github.com/pkg/errors"
)

// GetJobEventsResponse is the lifecycle audit trail of a job
type GetJobEventsResponse struct {
	JobID  string          `json:"job_id"`
	Events []*events.Event `json:"events"`
}

// GetJobEvents use case
type GetJobEvents struct {
	getJob     *GetJob
	eventStore events.EventStore
}

// NewGetJobEvents creates a new GetJobEvents use case
func NewGetJobEvents(getJob *GetJob, eventStore events.EventStore) *GetJobEvents {
	return &GetJobEvents{getJob: getJob, eventStore: eventStore}
}

// Execute returns the recorded events of a job the subject may see
func (uc *GetJobEvents) Execute(ctx context.Context, query *GetJobQuery) (*GetJobEventsResponse, error) {
	run, err := uc.getJob.authorizedRun(ctx, query.JobID, query.SubjectID)
	if err != nil {
		return nil, err
	}

	evts, err := uc.eventStore.GetEvents(ctx, models.ID(run.ID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load job events")
	}
	if evts == nil {
		evts = []*events.Event{}
	}
	return &GetJobEventsResponse{JobID: run.ID, Events: evts}, nil
}
