package infrastructure

import (
	"context"
	"sync"

	"github.com/draftea/workspace-manager/shared/events"
	"github.com/draftea/workspace-manager/shared/logger"
	"github.com/draftea/workspace-manager/shared/models"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	_ events.EventStore = (*MemoryEventStore)(nil)
	_ events.Publisher  = (*LocalEventBus)(nil)
	_ events.Subscriber = (*LocalEventBus)(nil)
)

// MemoryEventStore keeps event streams in process
type MemoryEventStore struct {
	streams *xsync.MapOf[models.ID, []*events.Event]
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{streams: xsync.NewMapOf[models.ID, []*events.Event]()}
}

func (s *MemoryEventStore) Append(_ context.Context, evts ...*events.Event) error {
	for _, event := range evts {
		s.streams.Compute(event.AggregateID, func(stream []*events.Event, _ bool) ([]*events.Event, bool) {
			return append(stream, event), false
		})
	}
	return nil
}

func (s *MemoryEventStore) GetEvents(_ context.Context, aggregateID models.ID) ([]*events.Event, error) {
	stream, _ := s.streams.Load(aggregateID)
	out := make([]*events.Event, len(stream))
	copy(out, stream)
	return out, nil
}

// LocalEventBus delivers published events to in-process subscribers. It stands in
// for SNS and SQS when the service runs without AWS.
type LocalEventBus struct {
	mu     sync.RWMutex
	routes []route
	log    *logger.Logger
}

func NewLocalEventBus(log *logger.Logger) *LocalEventBus {
	if log == nil {
		log = logger.Nop()
	}
	return &LocalEventBus{log: log}
}

func (b *LocalEventBus) Subscribe(_ context.Context, pattern string, handler events.EventHandler) error {
	topic, err := events.NewTopic(pattern)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes = append(b.routes, route{pattern: topic, handler: handler})
	return nil
}

// Publish calls every matching handler synchronously; handler errors are logged
func (b *LocalEventBus) Publish(ctx context.Context, evts ...*events.Event) error {
	b.mu.RLock()
	routes := make([]route, len(b.routes))
	copy(routes, b.routes)
	b.mu.RUnlock()

	for _, event := range evts {
		for _, r := range routes {
			if !event.Topic.Matches(r.pattern) {
				continue
			}
			if err := r.handler.Handle(ctx, event); err != nil {
				b.log.WithError(err).Warnf("local event handler failed", map[string]interface{}{
					"event_id": event.ID.String(),
					"topic":    event.Topic.String(),
				})
			}
		}
	}
	return nil
}
