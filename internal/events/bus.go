package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/metrics"
)

const defaultSubscriberBuffer = 64

// Bus delivers events to in-process subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]chan Event
	logger  *zap.Logger
	metrics *metrics.Collectors
}

func NewBus(logger *zap.Logger, m *metrics.Collectors) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:    make(map[uint64]chan Event),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers a subscriber. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.metrics.EventPublished(string(ev.Name))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.metrics.EventDropped()
			b.logger.Debug("event dropped for slow subscriber",
				zap.Uint64("subscriber", id),
				zap.String("event", string(ev.Name)),
			)
		}
	}
	return nil
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
