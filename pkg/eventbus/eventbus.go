// Package eventbus implements the orchestrator's internal pub/sub: a
// typed, channel-backed publisher, not the Qt-style direct-call signal
// dispatch the teacher's components never used either — events are
// queued and delivered on a dedicated goroutine per subscriber, so a slow
// subscriber never blocks a producer.
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType names one of the four event kinds: the three external ones
// (TaskCompleted, LogUpdated, StatusChanged) plus FileFound, which the
// file watcher publishes internally.
type EventType string

const (
	TaskCompleted EventType = "TaskCompleted"
	LogUpdated    EventType = "LogUpdated"
	StatusChanged EventType = "StatusChanged"
	FileFound     EventType = "FileFound"
)

// Event is the envelope delivered to subscribers. Payload's concrete type
// depends on Type (TaskCompletedPayload, LogUpdatedPayload, ...).
type Event struct {
	Type    EventType
	Payload interface{}
}

// TaskCompletedPayload carries a finished task's outcome. Details is an
// optional, task-kind-specific breakdown (e.g. move_files' per-file-type
// outcome: "moved", "partial", "base", "absent", or "error"),
// populated only for task bodies that implement taskengine.DetailedRunnable.
type TaskCompletedPayload struct {
	TaskID      string
	Kind        string
	ProductID   string
	LotID       string
	Station     string
	ComponentID string
	OK          bool
	Message     string
	Details     map[string]string
}

// LogUpdatedPayload carries a ProcessingLog's component key and new status.
type LogUpdatedPayload struct {
	ProductID   string
	LotID       string
	Station     string
	ComponentID string
	Status      string
}

// StatusChangedPayload carries a ProcessingLog's status-only change.
type StatusChangedPayload struct {
	ProductID   string
	LotID       string
	Station     string
	ComponentID string
	OldStatus   string
	NewStatus   string
}

// FileFoundPayload carries a newly discovered incoming file.
type FileFoundPayload struct {
	ProductID string
	Path      string
}

const subscriberQueueSize = 256

type subscriber struct {
	ch     chan Event
	done   chan struct{}
	name   string
}

// Bus is the process-wide event bus. Zero value is not usable; use New.
type Bus struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	subscribers []*subscriber
	wg          sync.WaitGroup
}

// New constructs an event bus. logger follows the ambient-stack
// convention of being threaded in at construction, never package-level.
func New(logger *logrus.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a new subscriber and returns a function to
// unsubscribe. handler runs on a dedicated goroutine, one per subscriber,
// draining a bounded queue — a handler that panics does not take down the
// bus (recovered and logged), mirroring the teacher's dispatcher
// goroutine-isolation pattern.
func (b *Bus) Subscribe(name string, handler func(Event)) (unsubscribe func()) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberQueueSize),
		done: make(chan struct{}),
		name: name,
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-sub.ch:
				b.dispatch(sub, handler, ev)
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		for i, s := range b.subscribers {
			if s == sub {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(sub.done)
	}
}

func (b *Bus) dispatch(sub *subscriber, handler func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"event_type": ev.Type,
				"panic":      r,
			}).Error("event subscriber panicked")
		}
	}()
	handler(ev)
}

// Publish delivers ev to every current subscriber. Non-blocking: a
// subscriber whose queue is full has the event dropped with a warning
// rather than stalling the publisher (the bus has no durability
// guarantee, matching spec.md's no-exactly-once-semantics non-goal).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"event_type": ev.Type,
			}).Warn("event subscriber queue full, dropping event")
		}
	}
}

// Close unsubscribes everyone and waits for all subscriber goroutines to
// exit. Safe to call once during shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
}
