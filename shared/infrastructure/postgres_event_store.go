package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var _ events.EventStore = (*PostgresEventStore)(nil)

// PostgresEventStore keeps the lifecycle events of every job in event_stream
type PostgresEventStore struct {
	db *sqlx.DB
}

// NewPostgresEventStore creates a new PostgresEventStore
func NewPostgresEventStore(db *sqlx.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

type postgresEvent struct {
	ID            string    `db:"id"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	Version       string    `db:"version"`
	Data          []byte    `db:"data"`
	Metadata      []byte    `db:"metadata"`
	Timestamp     time.Time `db:"timestamp"`
	CorrelationID string    `db:"correlation_id"`
	StreamVersion int       `db:"stream_version"`
}

// Append adds events to the streams of their aggregates
func (es *PostgresEventStore) Append(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := es.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	versions := make(map[models.ID]int)
	for _, event := range evts {
		current, ok := versions[event.AggregateID]
		if !ok {
			err = tx.GetContext(ctx, &current,
				"SELECT COALESCE(MAX(stream_version), 0) FROM event_stream WHERE aggregate_id = $1",
				event.AggregateID.String())
			if err != nil {
				return errors.Wrap(err, "failed to get current stream version")
			}
		}
		current++
		versions[event.AggregateID] = current

		pgEvent, err := es.toPostgres(event, current)
		if err != nil {
			return err
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO event_stream (
				id, aggregate_id, event_type, version, data, metadata,
				timestamp, correlation_id, stream_version
			) VALUES (
				:id, :aggregate_id, :event_type, :version, :data, :metadata,
				:timestamp, :correlation_id, :stream_version
			)`, pgEvent)
		if err != nil {
			return errors.Wrap(err, "failed to insert event")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit events")
}

// GetEvents returns the stream of one aggregate in order
func (es *PostgresEventStore) GetEvents(ctx context.Context, aggregateID models.ID) ([]*events.Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, version, data, metadata,
			   timestamp, correlation_id, stream_version
		FROM event_stream
		WHERE aggregate_id = $1
		ORDER BY stream_version ASC`

	var pgEvents []postgresEvent
	if err := es.db.SelectContext(ctx, &pgEvents, query, aggregateID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to get events")
	}

	result := make([]*events.Event, 0, len(pgEvents))
	for i := range pgEvents {
		event, err := es.toDomain(&pgEvents[i])
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}

	return result, nil
}

func (es *PostgresEventStore) toPostgres(event *events.Event, streamVersion int) (*postgresEvent, error) {
	data, err := event.MarshalPayload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event data")
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event metadata")
	}

	return &postgresEvent{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		EventType:     event.EventType,
		Version:       event.Version,
		Data:          data,
		Metadata:      metadata,
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID.String(),
		StreamVersion: streamVersion,
	}, nil
}

func (es *PostgresEventStore) toDomain(pgEvent *postgresEvent) (*events.Event, error) {
	metadata := make(events.Metadata)
	if len(pgEvent.Metadata) > 0 {
		if err := json.Unmarshal(pgEvent.Metadata, &metadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event metadata")
		}
	}

	return &events.Event{
		ID:            models.ID(pgEvent.ID),
		AggregateID:   models.ID(pgEvent.AggregateID),
		Topic:         events.Topic(pgEvent.EventType),
		EventType:     pgEvent.EventType,
		Version:       pgEvent.Version,
		Data:          json.RawMessage(pgEvent.Data),
		Metadata:      metadata,
		Timestamp:     pgEvent.Timestamp,
		CorrelationID: models.ID(pgEvent.CorrelationID),
	}, nil
}
