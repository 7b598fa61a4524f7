// Package event implements the append-only domain event stream of
// spec.md §6: task lifecycle transitions, agent health transitions,
// reservation grants/releases, policy decisions, and monitor escalations,
// fanned out to subscribers that never block the core. It is grounded
// near-literally on the teacher's internal/events/{types,bus}.go, the
// Type vocabulary swapped for the orchestration core's own domain events;
// every kind shares the one Event struct, whose per-kind details travel in
// its generic Payload map.
package event

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of domain event, per spec.md §6's event list.
type Type string

const (
	TypeTaskSubmitted     Type = "task.submitted"
	TypeTaskReady         Type = "task.ready"
	TypeTaskAssigned      Type = "task.assigned"
	TypeTaskCompleted     Type = "task.completed"
	TypeTaskFailed        Type = "task.failed"
	TypeTaskAbandoned     Type = "task.abandoned"
	TypeTaskEscalated     Type = "task.escalated"
	TypeAgentRegistered   Type = "agent.registered"
	TypeAgentDrained      Type = "agent.drained"
	TypeAgentUnresponsive Type = "agent.unresponsive"
	TypeReservationGranted Type = "reservation.granted"
	TypeReservationReleased Type = "reservation.released"
	TypePolicyDecision    Type = "policy.decision"
	TypeMonitorEscalation Type = "monitor.escalation"
)

// Event is one entry in the append-only domain stream.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Source    string         `json:"source"`
	Subject   string         `json:"subject"` // the task/agent/allocation id the event concerns
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New creates an event with a generated id and current timestamp.
func New(typ Type, source, subject string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Source:    source,
		Subject:   subject,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Subscription is a single subscriber's filtered view of the stream.
type Subscription struct {
	Ch    chan Event
	Types []Type // empty = all types
}

// Store persists events for replay to observers that connect late.
type Store interface {
	Save(e Event) error
	Recent(limit int) ([]Event, error)
}

const (
	maxBackpressureRetries  = 3
	backpressureRetryDelay = 10 * time.Millisecond
	subscriberBufferSize   = 256
)

// Bus fans out published events to every matching subscriber without
// ever blocking the publisher beyond a few bounded retries.
type Bus struct {
	mu            sync.RWMutex
	subscribers   []*Subscription
	store         Store
	droppedEvents uint64
}

// NewBus creates a Bus, optionally backed by a persistent Store.
func NewBus(store Store) *Bus {
	return &Bus{store: store}
}

// Subscribe registers a new subscription; nil or empty types receives
// every event type.
func (b *Bus) Subscribe(types []Type) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		Ch:    make(chan Event, subscriberBufferSize),
		Types: types,
	}
	b.subscribers = append(b.subscribers, sub)
	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub.Ch == ch {
			close(sub.Ch)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish persists e (if a Store is configured) and delivers it to every
// matching subscriber. Delivery never blocks the caller for more than a
// few retry delays; a full channel causes the event to be dropped for
// that subscriber only, and the drop is logged and counted.
func (b *Bus) Publish(e Event) {
	if b.store != nil {
		if err := b.store.Save(e); err != nil {
			log.Printf("[EVENT] failed to persist event type=%s subject=%s id=%s: %v", e.Type, e.Subject, e.ID, err)
		}
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if matchesTypes(e.Type, sub.Types) {
			b.sendWithBackpressure(sub, e)
		}
	}
}

func (b *Bus) sendWithBackpressure(sub *Subscription, e Event) {
	select {
	case sub.Ch <- e:
		return
	default:
	}
	for retry := 1; retry <= maxBackpressureRetries; retry++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.Ch <- e:
			return
		default:
		}
	}
	dropped := atomic.AddUint64(&b.droppedEvents, 1)
	log.Printf("[EVENT] dropped event after %d retries (subscriber channel full): type=%s subject=%s id=%s (total dropped: %d)",
		maxBackpressureRetries, e.Type, e.Subject, e.ID, dropped)
}

// DroppedEventCount returns how many deliveries have been dropped due to
// a full subscriber channel.
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.droppedEvents)
}

func matchesTypes(typ Type, types []Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}
