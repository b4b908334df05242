package libchannel

import (
	"sync"
	"time"
)

// keepAlive sends a ping every interval until stopped or until the owning transport closes.
// When the peer has not been heard from for longer than timeout, onStale is called and the
// loop ends.
type keepAlive struct {
	interval time.Duration
	timeout  time.Duration
	ping     func() error
	lastSeen func() time.Time
	onStale  func()
	logger   logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopC     chan struct{}
}

func newKeepAlive(
	logger logger,
	interval time.Duration,
	timeout time.Duration,
	ping func() error,
	lastSeen func() time.Time,
	onStale func(),
) *keepAlive {
	if timeout <= 0 {
		timeout = 2 * interval
	}
	return &keepAlive{
		interval: interval,
		timeout:  timeout,
		ping:     ping,
		lastSeen: lastSeen,
		onStale:  onStale,
		logger:   logger.WithField("subtype", "keep_alive"),
		stopC:    make(chan struct{}),
	}
}

// Start spawns the ping routine. A non-positive interval disables it. Only the first call has effect.
func (k *keepAlive) Start(done <-chan struct{}) {
	if k.interval <= 0 {
		return
	}
	k.startOnce.Do(func() {
		go k.run(done)
	})
}

func (k *keepAlive) Stop() {
	k.stopOnce.Do(func() {
		close(k.stopC)
	})
}

func (k *keepAlive) run(done <-chan struct{}) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-k.stopC:
			return
		case <-ticker.C:
			if silence := time.Since(k.lastSeen()); silence > k.timeout {
				k.logger.Warnf("no frame nor pong for %s, connection stale", silence)
				k.onStale()
				return
			}
			if err := k.ping(); err != nil {
				k.logger.Warnf("cannot send ping: %s", err)
				k.onStale()
				return
			}
		}
	}
}

// passivePongHandler answers server pings and records liveness.
func passivePongHandler(
	logger logger,
	touch func(),
	pong func(appData string) error,
) func(appData string) error {
	return func(appData string) error {
		logger.Debugln("<= [PING]")
		touch()
		if err := pong(appData); err != nil {
			logger.Debugf("cannot reply pong: %s", err)
		}
		return nil
	}
}
