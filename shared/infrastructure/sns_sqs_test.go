package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSNS struct {
	mock.Mock
}

func (m *mockSNS) PublishBatch(ctx context.Context, params *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sns.PublishBatchOutput)
	return out, args.Error(1)
}

func TestSNSEventPublisher_Publish(t *testing.T) {
	client := &mockSNS{}
	publisher := NewSNSEventPublisher(client, "arn:aws:sns:us-east-1:000000000000:jobs", logger.Nop())

	evts := make([]*events.Event, 12)
	for i := range evts {
		evts[i] = events.NewEvent(models.ID("job-1"), events.JobSucceededEvent, map[string]string{"job_id": "job-1"}).
			WithMetadata("subject_id", "user-1")
	}

	var (
		mu      sync.Mutex
		entries []snstypes.PublishBatchRequestEntry
	)
	client.On("PublishBatch", mock.Anything, mock.MatchedBy(func(in *sns.PublishBatchInput) bool {
		return aws.ToString(in.TopicArn) == "arn:aws:sns:us-east-1:000000000000:jobs"
	})).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		entries = append(entries, args.Get(1).(*sns.PublishBatchInput).PublishBatchRequestEntries...)
	}).Return(&sns.PublishBatchOutput{}, nil).Twice()

	require.NoError(t, publisher.Publish(context.Background(), evts...))
	client.AssertExpectations(t)

	require.Len(t, entries, 12)
	assert.Equal(t, events.JobSucceededEvent, aws.ToString(entries[0].MessageAttributes["topic"].StringValue))
	assert.Equal(t, "user-1", aws.ToString(entries[0].MessageAttributes["subject_id"].StringValue))

	var body wireMessage
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entries[0].Message)), &body))
	assert.Equal(t, "job-1", body.AggregateID)
	assert.JSONEq(t, `{"job_id":"job-1"}`, string(body.Payload))
}

func TestSNSEventPublisher_RejectedEntries(t *testing.T) {
	client := &mockSNS{}
	publisher := NewSNSEventPublisher(client, "arn", nil)
	evt := events.NewEvent(models.ID("job-1"), events.JobFailedEvent, nil)

	client.On("PublishBatch", mock.Anything, mock.Anything).Return(&sns.PublishBatchOutput{
		Failed: []snstypes.BatchResultErrorEntry{{Id: aws.String(evt.ID.String()), Message: aws.String("throttled")}},
	}, nil).Once()

	err := publisher.Publish(context.Background(), evt)
	assert.EqualError(t, err, "1 of 1 events rejected by SNS")
}

// fakeQueue serves its messages once and records how each one was settled
type fakeQueue struct {
	mu       sync.Mutex
	messages []sqstypes.Message
	deleted  []string
	extended []string
	settled  chan struct{}
}

func (q *fakeQueue) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: q.messages}
	q.messages = nil
	return out, ctx.Err()
}

func (q *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mu.Lock()
	q.deleted = append(q.deleted, aws.ToString(in.ReceiptHandle))
	q.mu.Unlock()
	q.settled <- struct{}{}
	return &sqs.DeleteMessageOutput{}, nil
}

func (q *fakeQueue) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	q.mu.Lock()
	q.extended = append(q.extended, aws.ToString(in.ReceiptHandle))
	q.mu.Unlock()
	q.settled <- struct{}{}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func wireBody(t *testing.T, topic string, payload string) *string {
	t.Helper()
	raw, err := json.Marshal(wireMessage{
		ID:          "evt-" + topic,
		AggregateID: "job-1",
		Topic:       topic,
		Version:     "1.0",
		Payload:     json.RawMessage(payload),
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return aws.String(string(raw))
}

func TestSQSEventSubscriber_DispatchesAndSettles(t *testing.T) {
	envelope, err := json.Marshal(snsEnvelope{Type: "Notification", Message: aws.ToString(wireBody(t, "job.requested", `{"operation_type":"DELETE_WORKSPACE"}`))})
	require.NoError(t, err)

	queue := &fakeQueue{
		settled: make(chan struct{}, 4),
		messages: []sqstypes.Message{
			{MessageId: aws.String("m-1"), ReceiptHandle: aws.String("ok"), Body: aws.String(string(envelope))},
			{MessageId: aws.String("m-2"), ReceiptHandle: aws.String("boom"), Body: wireBody(t, "job.requested", `{"operation_type":"FAIL"}`)},
			{MessageId: aws.String("m-3"), ReceiptHandle: aws.String("ignored"), Body: wireBody(t, "billing.updated", `{}`)},
		},
	}

	subscriber := NewSQSEventSubscriber(queue, "https://sqs/jobs", logger.Nop(), WithSQSIdleSleep(5*time.Millisecond, 5*time.Millisecond))

	var (
		mu   sync.Mutex
		seen []string
	)
	handler := events.EventHandler(handlerFunc(func(_ context.Context, event *events.Event) error {
		var payload struct {
			OperationType string `json:"operation_type"`
		}
		if err := event.UnmarshalPayload(&payload); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, payload.OperationType)
		mu.Unlock()
		if payload.OperationType == "FAIL" {
			return errors.New("handler failed")
		}
		return nil
	}))
	require.NoError(t, subscriber.Subscribe(context.Background(), events.JobRequestedEvent, handler))
	require.NoError(t, subscriber.Start(context.Background()))
	defer subscriber.Close()

	for i := 0; i < 3; i++ {
		select {
		case <-queue.settled:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for messages to settle")
		}
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.ElementsMatch(t, []string{"ok", "ignored"}, queue.deleted)
	assert.Equal(t, []string{"boom"}, queue.extended)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"DELETE_WORKSPACE", "FAIL"}, seen)
}

func TestDecodeMessage_TopicFromAttributes(t *testing.T) {
	event, err := decodeMessage(sqstypes.Message{
		MessageId: aws.String("m-1"),
		Body:      aws.String(`{"id":"e-1","aggregate_id":"job-9","payload":{"a":1}}`),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"topic": {DataType: aws.String("String"), StringValue: aws.String("job.requested")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, events.Topic("job.requested"), event.Topic)
	assert.Equal(t, models.ID("job-9"), event.AggregateID)

	id, ok := event.Metadata.Get(SQSMessageIDKey)
	assert.True(t, ok)
	assert.Equal(t, "m-1", id)

	_, err = decodeMessage(sqstypes.Message{Body: aws.String(`{"id":"e-1"}`)})
	assert.ErrorIs(t, err, events.ErrInvalidTopic)
}

type handlerFunc func(ctx context.Context, event *events.Event) error

func (f handlerFunc) Handle(ctx context.Context, event *events.Event) error {
	return f(ctx, event)
}
