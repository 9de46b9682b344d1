package modkernel

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives kernel events. Observers register with the kernel and
// are notified asynchronously; a slow or panicking observer never blocks
// kernel operations.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration
	// tracking and debugging.
	ObserverID() string
}

// Subject is implemented by the kernel: it maintains the observer set and
// notifies it when lifecycle events occur.
type Subject interface {
	// RegisterObserver adds an observer, optionally filtered to the given
	// event types. An empty filter receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all interested observers.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes one registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// FunctionalObserver wraps a function as an Observer for simple use cases.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by the given handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer by calling the handler.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

// observerRegistration tracks one registered observer and its filter.
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// observerSet is the kernel's observer registry. Notification is
// asynchronous with per-observer panic isolation.
type observerSet struct {
	mu        sync.RWMutex
	observers map[string]*observerRegistration
	logger    Logger
}

func newObserverSet(logger Logger) *observerSet {
	return &observerSet{
		observers: make(map[string]*observerRegistration),
		logger:    logger,
	}
}

func (s *observerSet) register(observer Observer, eventTypes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   filter,
		registeredAt: time.Now(),
	}
	s.logger.Debug("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

func (s *observerSet) unregister(observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, observer.ObserverID())
	return nil
}

func (s *observerSet) notify(ctx context.Context, event cloudevents.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := event.Validate(); err != nil {
		s.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	for _, registration := range s.observers {
		registration := registration
		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Observer panicked",
						"observerID", registration.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()
			if err := registration.observer.OnEvent(ctx, event); err != nil {
				s.logger.Error("Observer error",
					"observerID", registration.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

func (s *observerSet) info() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ObserverInfo, 0, len(s.observers))
	for _, registration := range s.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for t := range registration.eventTypes {
			eventTypes = append(eventTypes, t)
		}
		out = append(out, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	return out
}
