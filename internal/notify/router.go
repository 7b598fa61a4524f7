// Package notify fans out domain events to external notification channels
// (Slack, Discord, email) for operators who are not watching the dashboard.
// It is grounded on the teacher's internal/notifications package: the same
// Router/NotificationChannel split, the same fire-and-forget-with-logging
// Route plus a blocking RouteWithWait for tests, restructured around the
// orchestration core's event.Event instead of the teacher's events.Event.
package notify

import (
	"log"
	"sync"

	"github.com/agenthive/orchestrator-core/internal/event"
)

// Channel is a destination a domain event can be routed to.
type Channel interface {
	// Name identifies the channel for registration and logging.
	Name() string
	// ShouldNotify reports whether e is relevant to this channel.
	ShouldNotify(e event.Event) bool
	// Send delivers e. Errors are logged by the Router, never returned to
	// the publisher.
	Send(e event.Event) error
}

// Router dispatches events to every registered Channel.
type Router struct {
	mu       sync.RWMutex
	channels []Channel
}

// NewRouter creates a Router over the given channels (nil is fine).
func NewRouter(channels []Channel) *Router {
	if channels == nil {
		channels = []Channel{}
	}
	return &Router{channels: channels}
}

// AddChannel registers an additional channel.
func (r *Router) AddChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// RemoveChannel unregisters a channel by name.
func (r *Router) RemoveChannel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	filtered := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	r.channels = filtered
}

// GetChannels returns the names of every registered channel.
func (r *Router) GetChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.channels))
	for i, ch := range r.channels {
		names[i] = ch.Name()
	}
	return names
}

// Subscribe attaches the router to bus as the sole consumer responsible for
// external notification, routing every event fire-and-forget.
func (r *Router) Subscribe(bus *event.Bus) {
	ch := bus.Subscribe(nil)
	go func() {
		for e := range ch {
			r.Route(e)
		}
	}()
}

// Route sends e to every channel that wants it, concurrently, logging (but
// not returning) delivery failures.
func (r *Router) Route(e event.Event) {
	r.mu.RLock()
	channels := make([]Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	for _, ch := range channels {
		go func(channel Channel) {
			if !channel.ShouldNotify(e) {
				return
			}
			if err := channel.Send(e); err != nil {
				log.Printf("[NOTIFY] failed to send event %s to channel %s: %v", e.ID, channel.Name(), err)
			}
		}(ch)
	}
}

// RouteWithWait is Route, but blocks until every matching channel has been
// attempted. Intended for tests and for graceful-shutdown draining.
func (r *Router) RouteWithWait(e event.Event) {
	r.mu.RLock()
	channels := make([]Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(channel Channel) {
			defer wg.Done()
			if !channel.ShouldNotify(e) {
				return
			}
			if err := channel.Send(e); err != nil {
				log.Printf("[NOTIFY] failed to send event %s to channel %s: %v", e.ID, channel.Name(), err)
			}
		}(ch)
	}
	wg.Wait()
}
