// Package bus is the in-process publish/subscribe channel between the
// orchestrator and its observers.
package bus

import (
	"sync"
	"time"

	"github.com/autopeer-io/updater/internal/pkg/metrics"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

var _ core.Publisher = (*Bus)(nil)

type subscriber struct {
	name string
	ch   chan core.Event
}

// Bus fans events out to subscribers without ever blocking the publisher.
// Durable events are written to the history store before fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	history core.HistoryStore
	log     log.Logger
}

// New returns a Bus. history may be nil.
func New(history core.HistoryStore) *Bus {
	return &Bus{
		subs:    make(map[uint64]*subscriber),
		history: history,
		log:     log.WithName("bus"),
	}
}

// Subscribe registers a named subscriber. The returned cancel func
// unregisters it and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(name string, buffer int) (<-chan core.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{name: name, ch: make(chan core.Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish implements core.Publisher.
func (b *Bus) Publish(e core.Event) {
	if b.history != nil && (e.Type.Durable() || e.Type.Failure()) {
		if err := b.history.Append(Record(e)); err != nil {
			b.log.Error(err, "Failed to record event in history", "type", e.Type)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(s.name).Inc()
			b.log.Warn("Subscriber queue full, dropping event", "subscriber", s.name, "type", e.Type)
		}
	}
}

// Close closes every subscriber channel. Later publishes only reach history.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Record converts an event into its audit trail entry.
func Record(e core.Event) model.HistoryRecord {
	rec := model.HistoryRecord{
		ID:      e.ID,
		Time:    e.Time,
		Kind:    string(e.Type),
		Version: e.Version,
		Outcome: model.OutcomeSucceeded,
		Reason:  e.Message,
	}
	if e.Type.Failure() {
		rec.Outcome = model.OutcomeFailed
	}
	if e.Type == core.EventUpdateIncompatible {
		rec.Outcome = model.OutcomeSkipped
	}
	if v, ok := e.Data[core.DataFromVersion].(string); ok {
		rec.FromVersion = v
	}
	if d, ok := e.Data[core.DataDuration].(time.Duration); ok {
		rec.Duration = d
	}
	return rec
}
