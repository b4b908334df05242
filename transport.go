package libchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type (
	// TransportAttachable is the capability the Manager rebinds on every transport instance.
	TransportAttachable interface {
		// Attach registers the listener's wrapper for its event.
		Attach(l *Listener)
		// Detach removes exactly that listener. Other listeners of the same event are kept.
		Detach(l *Listener)
	}

	// Transport is the live connection of one connect cycle. It is never reused: every reconnect
	// dials a brand-new instance.
	Transport interface {
		TransportAttachable

		// ID identifies this instance in logs.
		ID() string
		// Emit writes an event to the server.
		Emit(event string, data json.RawMessage) error
		// EmitWithAck writes an event and waits for the server's acknowledgement.
		EmitWithAck(ctx context.Context, event string, data json.RawMessage) (json.RawMessage, error)
		// Close tears the transport down from our side. It is idempotent.
		Close()
		// CloseChan is closed once the transport is gone, whatever the reason.
		CloseChan() CloseChan
		// CloseErr explains why the transport closed. Transport-level drops wrap ErrTransport.
		CloseErr() error
	}

	CloseChan chan struct{}

	// DialParams carries everything needed to open one transport.
	DialParams struct {
		URL     url.URL
		Channel string
		Token   string
		Header  http.Header
		// PingInterval, PongTimeout and WriteTimeout override the dialer defaults when positive.
		PingInterval time.Duration
		PongTimeout  time.Duration
		WriteTimeout time.Duration
	}

	// Dialer opens a transport and blocks until the handshake settles. Failures are classified
	// with ErrTransport, ErrAuth, ErrRateLimit or ErrConnectRejected.
	Dialer func(ctx context.Context, p DialParams) (Transport, error)
)

// dispatcher is the per-transport handler table. Handlers are keyed by listener identity.
type dispatcher struct {
	handlers map[string][]*Listener
	lock     sync.RWMutex
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		handlers: make(map[string][]*Listener),
	}
}

func (d *dispatcher) Attach(l *Listener) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.handlers[l.event] = append(d.handlers[l.event], l)
}

func (d *dispatcher) Detach(l *Listener) {
	d.lock.Lock()
	defer d.lock.Unlock()

	current := d.handlers[l.event]
	for i, candidate := range current {
		if candidate == l {
			current = append(current[:i:i], current[i+1:]...)
			break
		}
	}

	if len(current) == 0 {
		delete(d.handlers, l.event)
		return
	}
	d.handlers[l.event] = current
}

// Dispatch invokes every handler of event synchronously. Handlers run outside the lock so they
// may attach or detach.
func (d *dispatcher) Dispatch(event string, payload json.RawMessage) int {
	d.lock.RLock()
	handlers := make([]*Listener, len(d.handlers[event]))
	copy(handlers, d.handlers[event])
	d.lock.RUnlock()

	for _, h := range handlers {
		h.Deliver(payload)
	}

	return len(handlers)
}

// Clear removes every handler.
func (d *dispatcher) Clear() {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.handlers = make(map[string][]*Listener)
}

func (d *dispatcher) Count(event string) int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.handlers[event])
}
