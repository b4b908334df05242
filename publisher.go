package libchannel

import (
	"sync"
)

// StateCallback observes ConnectionState transitions.
type StateCallback func(ConnectionState)

type stateSubscriber struct {
	cb StateCallback
}

// StatePublisher fans out state snapshots to observers. Snapshots are delivered in the order
// they were enqueued, by one goroutine at a time, so observers may call back into the Manager.
type StatePublisher struct {
	logger logger

	mu          sync.Mutex
	subscribers []*stateSubscriber
	queue       []ConnectionState
	draining    bool
}

func NewStatePublisher(logger logger) *StatePublisher {
	return &StatePublisher{
		logger: logger.WithField("type", "state_publisher"),
	}
}

// Subscribe registers cb and returns a function that removes it.
func (p *StatePublisher) Subscribe(cb StateCallback) (unsubscribe func()) {
	sub := &stateSubscriber{cb: cb}

	p.mu.Lock()
	p.subscribers = append(p.subscribers, sub)
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()

			for i, candidate := range p.subscribers {
				if candidate == sub {
					p.subscribers = append(p.subscribers[:i:i], p.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish enqueues s and delivers everything pending.
func (p *StatePublisher) Publish(s ConnectionState) {
	p.enqueue(s)
	p.drain()
}

func (p *StatePublisher) enqueue(s ConnectionState) {
	p.mu.Lock()
	p.queue = append(p.queue, s)
	p.mu.Unlock()
}

// drain delivers queued snapshots unless another goroutine, or an outer frame of this one,
// is already doing it. In that case that drainer picks them up.
func (p *StatePublisher) drain() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true

	for len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]

		subscribers := make([]*stateSubscriber, len(p.subscribers))
		copy(subscribers, p.subscribers)
		p.mu.Unlock()

		for _, sub := range subscribers {
			p.deliver(sub, next)
		}

		p.mu.Lock()
	}

	p.draining = false
	p.mu.Unlock()
}

func (p *StatePublisher) deliver(sub *stateSubscriber, s ConnectionState) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Errorf("error in state change callback: %v", rec)
		}
	}()

	sub.cb(s)
}

func (p *StatePublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}
