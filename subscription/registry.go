package subscription

import (
	"fmt"
	"slices"
	"sync"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is the subscription table: event name -> ordered set of descriptors.
// A key exists only while at least one handler is registered for it.
//
// Registry is concurrency-safe and contains no global state.
type Registry struct {
	mu     sync.RWMutex
	events map[string]*orderedmap.OrderedMap[string, Descriptor]
}

// NewRegistry returns an empty table.
func NewRegistry() *Registry {
	return &Registry{events: make(map[string]*orderedmap.OrderedMap[string, Descriptor])}
}

// Add appends d under its event name. Registering the same handler twice for one
// event fails with ErrDuplicateSubscription and leaves the table unchanged.
func (r *Registry) Add(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.events[d.event]
	if !ok {
		set = orderedmap.New[string, Descriptor]()
		r.events[d.event] = set
	}

	if _, exists := set.Get(d.handler); exists {
		return fmt.Errorf("subscribe %s to %s: %w", d.handler, d.event, berr.ErrDuplicateSubscription)
	}

	set.Set(d.handler, d)

	return nil
}

// Remove drops handler from eventName. It is a no-op when either is unknown.
// It reports whether the event has no handlers left as a result of this call.
func (r *Registry) Remove(eventName, handler string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.events[eventName]
	if !ok {
		return false
	}

	if _, present := set.Delete(handler); !present {
		return false
	}

	if set.Len() == 0 {
		delete(r.events, eventName)
		return true
	}

	return false
}

// HasSubscribers reports whether at least one handler is registered for eventName.
func (r *Registry) HasSubscribers(eventName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.events[eventName]

	return ok
}

// Handlers returns a snapshot of the descriptors for eventName in registration order.
func (r *Registry) Handlers(eventName string) ([]Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.events[eventName]
	if !ok {
		return nil, fmt.Errorf("handlers for %s: %w", eventName, berr.ErrSubscriptionNotFound)
	}

	out := make([]Descriptor, 0, set.Len())
	for p := set.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}

	return out, nil
}

// Events lists the subscribed event names, sorted.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.events))
	for name := range r.events {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Clear empties the table.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.events)
}
