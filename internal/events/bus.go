// Package events carries status events from the offline core to its
// observers: in-process subscribers and websocket clients.
package events

import (
	"strings"
	"sync"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
)

// Event names.
const (
	ProposalSynced     = "sync:proposal-synced"
	ProposalSyncFailed = "sync:proposal-sync-failed"
	FormSynced         = "sync:form-synced"
	FormSyncFailed     = "sync:form-sync-failed"
	ActionSynced       = "sync:action-synced"
	ActionSyncFailed   = "sync:action-sync-failed"

	NetworkOnline  = "network:online"
	NetworkOffline = "network:offline"
	NetworkQuality = "network:quality"

	CacheRevalidateFailed = "cache:revalidate-failed"
	NotificationShow      = "notification:show"

	ClientFocus = "client:focus"
	ClientOpen  = "client:open"
	WorkerState = "worker:state"
)

// Event is one emitted status event. Detail always holds "timestamp"
// (epoch ms) and "online".
type Event struct {
	Name      string                 `json:"type"`
	Detail    map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Emitter is implemented by Bus. Components depend on it so tests can
// record events without a bus.
type Emitter interface {
	Emit(name string, detail map[string]interface{})
}

// Bus fans events out to subscribers. Delivery never blocks the emitter:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	clock clock.Clock
	log   *logging.Logger

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	online func() bool
}

type subscription struct {
	patterns []string
	ch       chan Event
}

// NewBus creates a Bus stamping events with clk.
func NewBus(clk clock.Clock, log *logging.Logger) *Bus {
	return &Bus{
		clock:  clk,
		log:    log.Component("events"),
		subs:   make(map[int]*subscription),
		online: func() bool { return true },
	}
}

// SetOnlineSource sets the function consulted for the "online" field.
func (b *Bus) SetOnlineSource(online func() bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = online
}

// Emit publishes an event. detail is copied; the caller's map is not
// modified.
func (b *Bus) Emit(name string, detail map[string]interface{}) {
	now := b.clock.Now().UnixMilli()

	b.mu.RLock()
	online := b.online
	b.mu.RUnlock()

	payload := make(map[string]interface{}, len(detail)+2)
	for k, v := range detail {
		payload[k] = v
	}
	payload["timestamp"] = now
	payload["online"] = online()

	event := Event{Name: name, Detail: payload, Timestamp: now}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(name) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.log.Warn("subscriber buffer full, event dropped", map[string]interface{}{"event": name})
		}
	}
}

// Subscribe returns a channel receiving events whose name matches one of
// patterns, and a cancel func closing it. No patterns means every event;
// a pattern ending in '*' matches by prefix, as in "sync:*".
func (b *Bus) Subscribe(buffer int, patterns ...string) (<-chan Event, func()) {
	sub := &subscription{patterns: patterns, ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (s *subscription) matches(name string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// Match reports whether an event name matches pattern.
func Match(pattern, name string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// Recorder is an Emitter that keeps every event, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(name string, detail map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Detail: detail})
}

// Events returns the recorded events, optionally filtered by pattern.
func (r *Recorder) Events(patterns ...string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if (&subscription{patterns: patterns}).matches(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the names of the recorded events in order.
func (r *Recorder) Names() []string {
	var names []string
	for _, e := range r.Events() {
		names = append(names, e.Name)
	}
	return names
}
