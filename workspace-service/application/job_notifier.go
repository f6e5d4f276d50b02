package application

import (
	"context"

	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/models"
	"github.com/draftea/workspace-manager/shared/saga"
	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/draftea/workspace-manager/workspace-service/domain"
	"github.com/draftea/workspace-manager/workspace-service/sagas"
	"go.opentelemetry.io/otel/attribute"
)

var _ saga.Listener = (*JobNotifier)(nil)

// JobNotifier records and publishes the outcome of every finished run and frees
// the resource lock the run was submitted under
type JobNotifier struct {
	eventStore    events.EventStore
	publisher     events.Publisher
	locker        domain.ResourceLocker
	resultURLBase string
	log           *logger.Logger
}

// NewJobNotifier creates a new JobNotifier
func NewJobNotifier(
	eventStore events.EventStore,
	publisher events.Publisher,
	locker domain.ResourceLocker,
	resultURLBase string,
	log *logger.Logger,
) *JobNotifier {
	return &JobNotifier{
		eventStore:    eventStore,
		publisher:     publisher,
		locker:        locker,
		resultURLBase: resultURLBase,
		log:           log,
	}
}

// RunCompleted implements saga.Listener
func (n *JobNotifier) RunCompleted(ctx context.Context, run *saga.Run) {
	log := n.log.WithContext(ctx).WithField("job_id", run.ID)

	if key, ok := sagas.LockTarget(run.OperationType, run.Inputs); ok {
		if err := n.locker.Release(ctx, key, run.ID); err != nil {
			log.WithError(err).Warnf("failed to release resource lock", map[string]interface{}{"lock": key})
		}
	}

	report, err := newJobReport(run, n.resultURLBase)
	if err != nil {
		log.WithError(err).Error("failed to build job report")
		return
	}

	eventType := events.JobSucceededEvent
	switch run.Status {
	case saga.StatusFailed:
		eventType = events.JobFailedEvent
	case saga.StatusFatal:
		eventType = events.JobDismalEvent
	}

	event := events.NewEvent(models.ID(run.ID), eventType, report).
		WithMetadata("operation_type", run.OperationType).
		WithMetadata("subject_id", run.SubjectID)

	if err := n.eventStore.Append(ctx, event); err != nil {
		log.WithError(err).Errorf("failed to append job event", map[string]interface{}{"event_type": eventType})
	}
	if err := n.publisher.Publish(ctx, event); err != nil {
		log.WithError(err).Errorf("failed to publish job event", map[string]interface{}{"event_type": eventType})
	}

	telemetry.RecordCounter(ctx, "jobs_completed_total", "Jobs that reached a terminal status", 1,
		attribute.String("operation_type", run.OperationType),
		attribute.String("status", string(run.Status)),
	)
}
