package handlers

import (
	"context"

	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/workspace-service/application"
	"github.com/pkg/errors"
)

// JobEventHandlers submits jobs requested over the event bus
type JobEventHandlers struct {
	submitJob *application.SubmitJob
	log       *logger.Logger
}

// NewJobEventHandlers creates new job event handlers
func NewJobEventHandlers(submitJob *application.SubmitJob, log *logger.Logger) *JobEventHandlers {
	return &JobEventHandlers{submitJob: submitJob, log: log}
}

// Handle implements the events.EventHandler interface
func (h *JobEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.JobRequestedEvent:
		return h.HandleJobRequested(ctx, event)
	default:
		return nil
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *JobEventHandlers) HandlerID() string {
	return "workspace-manager-job-handler"
}

// HandleJobRequested submits the job described by the event. The event id is the
// job id unless the payload names one, so a redelivered event is a duplicate
// submission. Requests that can never be accepted are logged and acknowledged.
func (h *JobEventHandlers) HandleJobRequested(ctx context.Context, event *events.Event) error {
	var cmd application.SubmitJobCommand
	if err := event.UnmarshalPayload(&cmd); err != nil {
		h.log.WithContext(ctx).WithError(err).Warnf("dropping malformed job request", map[string]interface{}{
			"event_id": event.ID.String(),
		})
		return nil
	}

	if cmd.JobID == "" {
		cmd.JobID = event.ID.String()
	}
	if cmd.SubjectID == "" {
		cmd.SubjectID, _ = event.Metadata.Get("subject_id")
	}

	response, err := h.submitJob.Execute(ctx, &cmd)
	if err != nil {
		if application.IsInvalidRequest(err) {
			h.log.WithContext(ctx).WithError(err).Warnf("rejected job request", map[string]interface{}{
				"event_id": event.ID.String(),
				"job_id":   cmd.JobID,
			})
			return nil
		}
		return errors.Wrap(err, "failed to submit requested job")
	}

	h.log.WithContext(ctx).Infof("job submitted from event", map[string]interface{}{
		"job_id":    response.Job.ID,
		"duplicate": response.Duplicate,
	})
	return nil
}
