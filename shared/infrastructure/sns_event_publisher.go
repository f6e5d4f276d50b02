package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var _ events.Publisher = (*SNSEventPublisher)(nil)

// SNS accepts at most ten entries per PublishBatch call
const maxBatchSize = 10

// SNSAPI is the part of the SNS client the publisher uses
type SNSAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// wireMessage is the body of every message we put on SNS and read back from SQS
type wireMessage struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	Topic         string          `json:"topic"`
	Version       string          `json:"version"`
	Metadata      events.Metadata `json:"metadata"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func toWire(event *events.Event) (*wireMessage, error) {
	payload, err := event.MarshalPayload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}

	return &wireMessage{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		Topic:         event.Topic.String(),
		Version:       event.Version,
		Metadata:      event.Metadata,
		Payload:       payload,
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID.String(),
	}, nil
}

// SNSEventPublisher publishes job lifecycle events to one SNS topic. The event
// topic travels as a message attribute so subscribers can filter on it.
type SNSEventPublisher struct {
	client   SNSAPI
	topicArn string
	log      *logger.Logger
}

// NewSNSEventPublisher creates a new SNSEventPublisher
func NewSNSEventPublisher(client SNSAPI, topicArn string, log *logger.Logger) *SNSEventPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return &SNSEventPublisher{
		client:   client,
		topicArn: topicArn,
		log:      log.WithField("topic_arn", topicArn),
	}
}

// Publish publishes events to SNS in batches
func (p *SNSEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	gr, ctx := errgroup.WithContext(ctx)
	for _, batch := range splitToChunks(evts, maxBatchSize) {
		batch := batch
		gr.Go(func() error {
			return p.batchPublish(ctx, batch)
		})
	}

	return gr.Wait()
}

func (p *SNSEventPublisher) batchPublish(ctx context.Context, batch []*events.Event) error {
	entries := make([]types.PublishBatchRequestEntry, len(batch))

	for i, event := range batch {
		message, err := toWire(event)
		if err != nil {
			return err
		}

		body, err := json.Marshal(message)
		if err != nil {
			return errors.Wrap(err, "failed to marshal message")
		}

		attrs := map[string]types.MessageAttributeValue{
			"topic": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Topic.String()),
			},
		}
		for k, v := range event.Metadata {
			if k == SQSMessageIDKey || k == SQSReceiptHandleKey || v == "" {
				continue
			}
			attrs[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}

		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(event.ID.String()),
			Message:           aws.String(string(body)),
			MessageAttributes: attrs,
		}
	}

	res, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicArn),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish batch to SNS")
	}

	failed := make(map[string]string, len(res.Failed))
	for _, entry := range res.Failed {
		failed[aws.ToString(entry.Id)] = aws.ToString(entry.Message)
	}

	for _, event := range batch {
		status := "published"
		if reason, ok := failed[event.ID.String()]; ok {
			status = "failed"
			p.log.Warnf("event rejected by SNS", map[string]interface{}{
				"event_id": event.ID.String(),
				"topic":    event.Topic.String(),
				"reason":   reason,
			})
		}
		telemetry.RecordCounter(ctx, "events_published_total", "Events handed to SNS", 1,
			attribute.String("topic", event.Topic.String()),
			attribute.String("status", status),
		)
	}

	if len(failed) > 0 {
		return errors.Errorf("%d of %d events rejected by SNS", len(failed), len(batch))
	}
	return nil
}

func splitToChunks[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
