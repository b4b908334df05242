package libchannel

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// EventCallback receives the raw payload of an event. Payloads are opaque to this package.
type EventCallback func(payload json.RawMessage)

// Listener is a single caller subscription. Its wrapper is the only handle ever attached to a
// transport, so two subscriptions to the same event stay independently removable.
type Listener struct {
	id       string
	event    string
	callback EventCallback
	wrapper  EventCallback
}

func (l *Listener) ID() string { return l.id }

func (l *Listener) Event() string { return l.event }

// Deliver invokes the wrapper, as a transport does when the event arrives.
func (l *Listener) Deliver(payload json.RawMessage) {
	l.wrapper(payload)
}

// Subscribable is the capability callers see. It is stable across reconnects.
type Subscribable interface {
	On(event string, cb EventCallback) (unsubscribe func())
}

// ListenerRegistry stores subscriptions independently of any transport instance and binds
// them to whichever transport is live.
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners []*Listener
	bound     TransportAttachable
	logger    logger
}

func NewListenerRegistry(logger logger) *ListenerRegistry {
	return &ListenerRegistry{
		logger: logger.WithField("type", "listener_registry"),
	}
}

// Register stores the subscription and, when a transport is bound, attaches it immediately.
func (r *ListenerRegistry) Register(event string, cb EventCallback) *Listener {
	l := &Listener{
		id:       uuid.NewString(),
		event:    event,
		callback: cb,
	}
	l.wrapper = r.wrap(l)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, l)

	if r.bound != nil {
		r.bound.Attach(l)
		r.logger.Debugf("listener %s for '%s' attached to live transport", l.id, event)
	} else {
		r.logger.Debugf("listener %s for '%s' stored until next connect", l.id, event)
	}

	return l
}

// Unregister removes the entry and detaches it from the bound transport. Unknown handles are ignored.
func (r *ListenerRegistry) Unregister(l *Listener) {
	if l == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, candidate := range r.listeners {
		if candidate == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			break
		}
	}

	if r.bound != nil {
		r.bound.Detach(l)
	}
}

// ReattachAll binds t and attaches every registered listener to it. t must be a fresh transport
// instance, so no handler is ever attached twice.
func (r *ListenerRegistry) ReattachAll(t TransportAttachable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bound = t

	for _, l := range r.listeners {
		t.Attach(l)
	}

	r.logger.Debugf("re-attached %d listeners", len(r.listeners))
}

// Unbind detaches every listener from the bound transport and forgets it. Registered
// listeners are kept for the next ReattachAll.
func (r *ListenerRegistry) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bound == nil {
		return
	}

	for _, l := range r.listeners {
		r.bound.Detach(l)
	}
	r.bound = nil
}

func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Count returns how many listeners are registered for event.
func (r *ListenerRegistry) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, l := range r.listeners {
		if l.event == event {
			n++
		}
	}
	return n
}

func (r *ListenerRegistry) wrap(l *Listener) EventCallback {
	return func(payload json.RawMessage) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Errorf("listener %s for '%s' panicked: %v", l.id, l.event, rec)
			}
		}()

		r.logger.Debugf("<= [%s] %d bytes to listener %s", l.event, len(payload), l.id)
		l.callback(payload)
	}
}
