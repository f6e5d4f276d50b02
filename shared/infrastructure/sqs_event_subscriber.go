package infrastructure

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/models"
	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"
)

var _ events.Subscriber = (*SQSEventSubscriber)(nil)

// SQSAPI is the part of the SQS client the subscriber uses
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type sqsMessage struct {
	message types.Message
	event   *events.Event
	err     error
}

type route struct {
	pattern events.Topic
	handler events.EventHandler
}

// SQSEventSubscriber reads events from one queue and hands each to the handlers
// whose topic pattern matches. A message is deleted once every matching handler
// succeeds; otherwise its visibility timeout grows with the receive count.
type SQSEventSubscriber struct {
	client   SQSAPI
	queueURL string
	log      *logger.Logger
	options  *sqsSubscriberOptions

	mu     sync.RWMutex
	routes []route

	inbound  chan *sqsMessage
	outbound chan *sqsMessage
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
}

type sqsSubscriberOptions struct {
	workers                    int
	readers                    int
	cleaners                   int
	maxNumberOfMessages        int32
	waitTimeSeconds            int32
	visibilityTimeout          int32
	sleepTimeAfterEmptyReceive time.Duration
	sleepTimeAfterError        time.Duration
	receiveCountRange          int32
	visibilityTimeoutOffset    int32
	maxVisibilityTimeout       int32
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithSQSWorkers(workers int) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		if workers > 0 {
			o.workers = workers
		}
	}
}

func WithSQSVisibilityTimeout(seconds int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		if seconds > 0 {
			o.visibilityTimeout = seconds
		}
	}
}

func WithSQSWaitTime(seconds int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.waitTimeSeconds = seconds
	}
}

func WithSQSIdleSleep(afterEmpty, afterError time.Duration) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.sleepTimeAfterEmptyReceive = afterEmpty
		o.sleepTimeAfterError = afterError
	}
}

// NewSQSEventSubscriber creates a subscriber; call Subscribe for each topic and then Start
func NewSQSEventSubscriber(client SQSAPI, queueURL string, log *logger.Logger, opts ...SQSSubscriberOption) *SQSEventSubscriber {
	options := &sqsSubscriberOptions{
		workers:                    10,
		readers:                    1,
		cleaners:                   2,
		maxNumberOfMessages:        5,
		waitTimeSeconds:            15,
		visibilityTimeout:          30,
		sleepTimeAfterEmptyReceive: 10 * time.Second,
		sleepTimeAfterError:        20 * time.Second,
		receiveCountRange:          3,
		visibilityTimeoutOffset:    30,
		maxVisibilityTimeout:       900,
	}
	for _, opt := range opts {
		opt(options)
	}

	if log == nil {
		log = logger.Nop()
	}

	return &SQSEventSubscriber{
		client:   client,
		queueURL: queueURL,
		log:      log.WithField("queue_url", queueURL),
		options:  options,
	}
}

// Subscribe registers handler for every event whose topic matches pattern
func (s *SQSEventSubscriber) Subscribe(_ context.Context, pattern string, handler events.EventHandler) error {
	topic, err := events.NewTopic(pattern)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, route{pattern: topic, handler: handler})
	return nil
}

// Start launches the readers, workers and cleaners
func (s *SQSEventSubscriber) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.inbound = make(chan *sqsMessage, s.options.workers)
	s.outbound = make(chan *sqsMessage, s.options.workers)

	s.spawn(s.options.workers, func() { s.startWorker(ctx) })
	s.spawn(s.options.readers, func() { s.startReader(ctx) })
	s.spawn(s.options.cleaners, func() { s.startCleaner(ctx) })

	s.log.Info("sqs subscriber started")
	return nil
}

// Stop cancels polling and waits for in-flight messages
func (s *SQSEventSubscriber) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sqs subscriber stop timed out")
	}
}

// Close stops the subscriber
func (s *SQSEventSubscriber) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

func (s *SQSEventSubscriber) spawn(n int, fn func()) {
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			fn()
		}()
	}
}

func (s *SQSEventSubscriber) startWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.inbound:
			s.handle(ctx, message)
		}
	}
}

func (s *SQSEventSubscriber) startReader(ctx context.Context) {
	for ctx.Err() == nil {
		empty, err := s.read(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.WithError(err).Warn("failed to receive sqs messages")
			sleep(ctx, s.options.sleepTimeAfterError)
		case empty:
			sleep(ctx, s.options.sleepTimeAfterEmptyReceive)
		}
	}
}

func (s *SQSEventSubscriber) startCleaner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.outbound:
			// the ack must land even while shutting down
			if err := s.clean(context.WithoutCancel(ctx), message); err != nil {
				s.log.WithError(err).Warnf("failed to settle sqs message", map[string]interface{}{
					"message_id": aws.ToString(message.message.MessageId),
				})
			}
		}
	}
}

func (s *SQSEventSubscriber) read(ctx context.Context) (bool, error) {
	output, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to receive message from SQS")
	}

	if len(output.Messages) == 0 {
		return true, nil
	}

	for _, message := range output.Messages {
		event, err := decodeMessage(message)
		if err != nil {
			// left on the queue so the redrive policy can park it
			s.log.WithError(err).Warnf("skipping malformed sqs message", map[string]interface{}{
				"message_id": aws.ToString(message.MessageId),
			})
			continue
		}

		select {
		case s.inbound <- &sqsMessage{message: message, event: event}:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return false, nil
}

func (s *SQSEventSubscriber) handle(ctx context.Context, message *sqsMessage) {
	message.err = s.dispatch(ctx, message.event)

	status := "handled"
	if message.err != nil {
		status = "failed"
		s.log.WithError(message.err).Warnf("sqs event handler failed", map[string]interface{}{
			"event_id": message.event.ID.String(),
			"topic":    message.event.Topic.String(),
		})
	}
	telemetry.RecordCounter(ctx, "events_consumed_total", "Events read from SQS", 1,
		attribute.String("topic", message.event.Topic.String()),
		attribute.String("status", status),
	)

	select {
	case s.outbound <- message:
	case <-ctx.Done():
	}
}

func (s *SQSEventSubscriber) dispatch(ctx context.Context, event *events.Event) error {
	s.mu.RLock()
	routes := append([]route(nil), s.routes...)
	s.mu.RUnlock()

	matched := false
	for _, r := range routes {
		if !event.Topic.Matches(r.pattern) {
			continue
		}
		matched = true
		if err := r.handler.Handle(ctx, event); err != nil {
			return err
		}
	}

	if !matched {
		s.log.Debugf("no handler for sqs event", map[string]interface{}{"topic": event.Topic.String()})
	}
	return nil
}

func (s *SQSEventSubscriber) clean(ctx context.Context, message *sqsMessage) error {
	if message.err != nil {
		receiveCount, err := strconv.Atoi(message.message.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		if err != nil {
			receiveCount = 1
		}

		visibilityTimeout := s.options.visibilityTimeout +
			(int32(receiveCount)/s.options.receiveCountRange)*s.options.visibilityTimeoutOffset
		if visibilityTimeout > s.options.maxVisibilityTimeout {
			visibilityTimeout = s.options.maxVisibilityTimeout
		}

		_, err = s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(s.queueURL),
			ReceiptHandle:     message.message.ReceiptHandle,
			VisibilityTimeout: visibilityTimeout,
		})
		return errors.Wrap(err, "failed to extend visibility timeout")
	}

	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: message.message.ReceiptHandle,
	})
	return errors.Wrap(err, "failed to delete message from SQS")
}

// snsEnvelope is the body SQS receives from an SNS subscription without raw delivery
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

func decodeMessage(message types.Message) (*events.Event, error) {
	body := []byte(aws.ToString(message.Body))

	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		body = []byte(envelope.Message)
	}

	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal message body")
	}
	if wire.Topic == "" {
		if attr, ok := message.MessageAttributes["topic"]; ok {
			wire.Topic = aws.ToString(attr.StringValue)
		}
	}
	if wire.Topic == "" {
		return nil, events.ErrInvalidTopic
	}

	event := &events.Event{
		ID:            models.ID(wire.ID),
		AggregateID:   models.ID(wire.AggregateID),
		Topic:         events.Topic(wire.Topic),
		EventType:     wire.Topic,
		Version:       wire.Version,
		Data:          wire.Payload,
		Metadata:      wire.Metadata,
		Timestamp:     wire.Timestamp,
		CorrelationID: models.ID(wire.CorrelationID),
	}
	if event.Metadata == nil {
		event.Metadata = make(events.Metadata)
	}

	event.Metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
	if message.ReceiptHandle != nil {
		event.Metadata.Set(SQSReceiptHandleKey, *message.ReceiptHandle)
	}
	for k, v := range message.MessageAttributes {
		if v.StringValue != nil {
			event.Metadata.Set(k, *v.StringValue)
		}
	}

	return event, nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
