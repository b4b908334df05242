package libchannel

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type attemptKind int

const (
	attemptInitial attemptKind = iota
	attemptRetry
	attemptRecover
)

func (k attemptKind) String() string {
	switch k {
	case attemptInitial:
		return "connect"
	case attemptRetry:
		return "retry"
	case attemptRecover:
		return "recover"
	default:
		return "unknown"
	}
}

var _ Subscribable = (*Manager)(nil)

type (
	// ManagerOption customizes a Manager at construction.
	ManagerOption func(*Manager)

	// Manager owns the connection of a single channel: at most one live transport, the state
	// machine driving it and the listener registry that outlives every transport instance.
	Manager struct {
		cfg         Config
		logger      logger
		dial        Dialer
		policy      Policy
		listeners   *ListenerRegistry
		publisher   *StatePublisher
		credentials *credentialsRepo
		limiter     *rate.Limiter
		flight      singleflight.Group

		mu         sync.Mutex
		state      ConnectionState
		transport  Transport
		system     []*Listener
		retryTimer *time.Timer
		// generation is bumped by every explicit teardown. Timers, watchers and attempts started
		// under an older generation become no-ops.
		generation uint64
		// round is bumped whenever a retry is armed so the retry never joins the attempt that failed.
		round uint64
	}
)

func WithLogger(l logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTokenSource sets where retries and Recover get their credential from. By default the
// last token passed to Connect is reused verbatim.
func WithTokenSource(source TokenSource) ManagerOption {
	return func(m *Manager) {
		m.credentials.source = source
	}
}

// WithPolicy overrides the backoff policy derived from the config.
func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// NewManager returns an idle manager for cfg.Channel. Defaults are applied to cfg.
func NewManager(cfg Config, dial Dialer, opts ...ManagerOption) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "dialer is required")
	}

	m := &Manager{
		cfg:         cfg,
		logger:      NewNoopLogger(),
		dial:        dial,
		policy:      cfg.policy(),
		credentials: newCredentialsRepo(NewNoopLogger(), nil),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.WithField("channel", cfg.Channel)
	m.credentials.logger = m.logger
	m.listeners = NewListenerRegistry(m.logger)
	m.publisher = NewStatePublisher(m.logger)

	if cfg.EmitRateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.EmitRateLimit), cfg.EmitBurst)
	} else {
		m.limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return m, nil
}

func (m *Manager) Channel() string {
	return m.cfg.Channel
}

func (m *Manager) Config() Config {
	return m.cfg
}

// State returns a snapshot of the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State().IsConnected
}

// OnStateChange subscribes cb to every state transition.
func (m *Manager) OnStateChange(cb StateCallback) (unsubscribe func()) {
	return m.publisher.Subscribe(cb)
}

// On subscribes cb to event. The subscription survives reconnects and manual disconnects and
// only goes away when the returned function is called.
func (m *Manager) On(event string, cb EventCallback) (unsubscribe func()) {
	l := m.listeners.Register(event, cb)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listeners.Unregister(l)
		})
	}
}

// Connect opens the channel with token and blocks until the transport is live, the attempt
// fails or ConnectTimeout elapses. It is a no-op when already connected, and concurrent calls
// share a single in-flight attempt.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.credentials.Remember(token)

	m.mu.Lock()
	if m.state.Phase == PhaseConnected {
		m.mu.Unlock()
		return nil
	}
	gen, round := m.generation, m.round
	m.mu.Unlock()

	return m.startAttempt(ctx, token, attemptInitial, gen, round)
}

// Disconnect tears down the transport and cancels pending retries. Subscriptions are kept so a
// later Connect reuses them. Calling it on an idle manager does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()

	idle := m.transport == nil && m.retryTimer == nil && m.state.Phase == PhaseIdle

	m.generation++
	m.stopRetryTimerLocked()
	t := m.releaseTransportLocked()

	if idle {
		m.mu.Unlock()
		return
	}

	m.logger.Infof("disconnecting")
	m.setStateLocked(ConnectionState{
		Phase:         PhaseIdle,
		LastConnected: m.state.LastConnected,
	})
	m.mu.Unlock()
	m.publisher.drain()

	if t != nil {
		t.Close()
	}
}

// Recover resets the retry bookkeeping, drops the current transport if any, waits RecoverDelay
// and connects again with the credential from the token source. It reports whether the channel
// is live afterwards.
func (m *Manager) Recover(ctx context.Context) bool {
	m.logger.Infof("manual connection recovery initiated")

	m.mu.Lock()
	m.generation++
	m.stopRetryTimerLocked()
	t := m.releaseTransportLocked()

	next := m.state
	next.TransportError = false
	next.RetryCount = 0
	next.Error = ""
	next.Phase = PhaseIdle
	next.IsConnected = false
	next.IsConnecting = false
	m.setStateLocked(next)
	m.mu.Unlock()
	m.publisher.drain()

	if t != nil {
		t.Close()
	}

	if err := sleepCtx(ctx, m.cfg.RecoverDelay); err != nil {
		m.recoverFailed(err)
		return false
	}

	token, err := m.credentials.Get(ctx)
	if err != nil {
		m.recoverFailed(err)
		return false
	}

	m.mu.Lock()
	gen, round := m.generation, m.round
	m.mu.Unlock()

	if err := m.startAttempt(ctx, token, attemptRecover, gen, round); err != nil {
		m.recoverFailed(err)
		return false
	}

	m.logger.Infof("manual recovery successful")
	return true
}

func (m *Manager) recoverFailed(err error) {
	m.logger.Errorf("manual recovery failed: %s", err)

	m.mu.Lock()
	next := m.state
	next.Error = errorReason("Manual recovery failed", err)
	m.setStateLocked(next)
	m.mu.Unlock()
	m.publisher.drain()
}

// Emit forwards event to the server. While the channel is not live the call is dropped with a
// warning; there is no offline queue.
func (m *Manager) Emit(event string, data any) error {
	t, err := m.liveTransport(event)
	if err != nil {
		return err
	}

	if !m.limiter.Allow() {
		m.logger.Warnf("dropping event '%s': emit rate limit exceeded", event)
		return errors.Wrapf(ErrRateLimit, "event '%s'", event)
	}

	payload, err := MarshalPayload(data)
	if err != nil {
		return err
	}

	m.logger.Debugf("=> [%s]", event)

	return t.Emit(event, payload)
}

// EmitWithAck sends event and waits up to AckTimeout for the server's reply.
func (m *Manager) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	t, err := m.liveTransport(event)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	defer cancel()

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrapf(ErrRateLimit, "event '%s': %s", event, err)
	}

	payload, err := MarshalPayload(data)
	if err != nil {
		return nil, err
	}

	return t.EmitWithAck(ctx, event, payload)
}

func (m *Manager) liveTransport(event string) (Transport, error) {
	m.mu.Lock()
	t := m.transport
	phase := m.state.Phase
	m.mu.Unlock()

	if t == nil || phase != PhaseConnected {
		m.logger.Warnf("cannot emit '%s': channel is %s", event, phase)
		return nil, errors.Wrapf(ErrNotConnected, "event '%s'", event)
	}

	return t, nil
}

// startAttempt joins or starts the attempt of (gen, round) and waits for its outcome.
func (m *Manager) startAttempt(ctx context.Context, token string, kind attemptKind, gen, round uint64) error {
	key := "connect:" + strconv.FormatUint(gen, 10) + ":" + strconv.FormatUint(round, 10)

	ch := m.flight.DoChan(key, func() (any, error) {
		return nil, m.attempt(token, kind, gen)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "connect")
	}
}

type dialResult struct {
	transport Transport
	err       error
}

func (m *Manager) attempt(token string, kind attemptKind, gen uint64) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if m.state.Phase == PhaseConnected {
		m.mu.Unlock()
		return nil
	}

	m.stopRetryTimerLocked()

	next := m.state
	next.Phase = PhaseConnecting
	next.IsConnecting = true
	next.IsConnected = false
	if kind != attemptRetry {
		next.Error = ""
	}
	m.setStateLocked(next)
	m.mu.Unlock()
	m.publisher.drain()

	m.logger.Infof("%s attempt to %s (retry count %d)", kind, m.cfg.URL, next.RetryCount)

	t, err := m.dialWithTimeout(token)
	if err != nil {
		return m.onAttemptFailed(gen, kind, err)
	}

	if !m.onConnected(gen, t) {
		t.Close()
		return ErrDisconnected
	}

	return nil
}

// dialWithTimeout bounds the dial by ConnectTimeout even if the dialer ignores its context.
func (m *Manager) dialWithTimeout(token string) (Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	params := DialParams{
		URL:          m.cfg.parsedURL(),
		Channel:      m.cfg.Channel,
		Token:        token,
		PingInterval: m.cfg.PingInterval,
		PongTimeout:  m.cfg.PongTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
	}

	resc := make(chan dialResult, 1)
	go func() {
		t, err := m.dial(ctx, params)
		resc <- dialResult{transport: t, err: err}
	}()

	select {
	case r := <-resc:
		if r.err != nil && ctx.Err() != nil && !IsAuthError(r.err) && !errors.Is(r.err, ErrConnectTimeout) {
			return nil, errors.Wrap(ErrConnectTimeout, r.err.Error())
		}
		return r.transport, r.err
	case <-ctx.Done():
		go func() {
			if r := <-resc; r.transport != nil {
				r.transport.Close()
			}
		}()
		return nil, errors.Wrapf(ErrConnectTimeout, "no response within %s", m.cfg.ConnectTimeout)
	}
}

func (m *Manager) onConnected(gen uint64, t Transport) bool {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.Debugf("discarding transport %s opened by a cancelled attempt", t.ID())
		return false
	}

	m.transport = t
	m.attachSystemHandlersLocked(gen, t)
	// listeners must be live before anybody can observe the connected state
	m.listeners.ReattachAll(t)

	m.setStateLocked(ConnectionState{
		Phase:         PhaseConnected,
		IsConnected:   true,
		LastConnected: time.Now(),
	})
	m.mu.Unlock()
	m.publisher.drain()

	m.logger.Infof("connected successfully (transport %s)", t.ID())

	go m.watch(gen, t)

	return true
}

// onAttemptFailed settles the state after a failed dial and returns the error reported to the
// caller of the attempt.
func (m *Manager) onAttemptFailed(gen uint64, kind attemptKind, err error) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return err
	}

	next := m.state
	next.IsConnecting = false
	next.IsConnected = false

	switch {
	case IsAuthError(err):
		m.logger.Errorf("%s rejected by server: %s", kind, err)
		next.Phase = PhaseFailed
		next.TransportError = false
		next.Error = errorReason("Auth error", err)
	case errors.Is(err, ErrConnectTimeout) && kind != attemptRetry:
		m.logger.Warnf("%s timed out: %s", kind, err)
		next.Phase = PhaseFailed
		next.Error = "Connection timeout"
	case IsTransportError(err) || errors.Is(err, ErrConnectTimeout):
		if !m.scheduleRetryLocked(&next, err) {
			err = errors.Wrap(ErrRetryBudgetExhausted, err.Error())
		}
	default:
		m.logger.Errorf("%s failed: %s", kind, err)
		next.Phase = PhaseFailed
		next.Error = err.Error()
	}

	m.setStateLocked(next)
	m.mu.Unlock()
	m.publisher.drain()

	return err
}

// scheduleRetryLocked counts a transport failure and either arms the retry timer or, once the
// budget is spent, settles on PhaseFailed and returns false.
func (m *Manager) scheduleRetryLocked(next *ConnectionState, cause error) bool {
	next.TransportError = true
	next.RetryCount++
	next.IsConnected = false
	next.IsConnecting = false
	next.Error = errorReason("Transport error", cause)

	if m.policy.Exhausted(next.RetryCount) {
		m.logger.Errorf("max retry attempts reached (%d) for transport error recovery", next.RetryCount)
		next.Phase = PhaseFailed
		next.Error = errorReason("Max retry attempts reached", cause)
		return false
	}

	delay := m.policy.Delay(next.RetryCount)
	next.Phase = PhaseRetrying

	m.logger.Infof("retrying connection in %s (attempt %d/%d) due to %s",
		delay, next.RetryCount, m.policy.MaxAttempts, cause)

	m.round++
	gen, round := m.generation, m.round
	m.stopRetryTimerLocked()
	m.retryTimer = time.AfterFunc(delay, func() {
		m.retry(gen, round)
	})

	return true
}

func (m *Manager) retry(gen, round uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state.Phase != PhaseRetrying {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	token, err := m.credentials.Get(ctx)
	if err != nil {
		m.onAttemptFailed(gen, attemptRetry, errors.Wrap(ErrConnectRejected, "cannot fetch token: "+err.Error()))
		return
	}

	if err := m.startAttempt(context.Background(), token, attemptRetry, gen, round); err != nil {
		m.logger.Warnf("retry failed: %s", err)
	}
}

// watch waits for t to go away and feeds the reason into the state machine.
func (m *Manager) watch(gen uint64, t Transport) {
	<-t.CloseChan()
	m.onTransportClosed(gen, t, t.CloseErr())
}

func (m *Manager) onTransportClosed(gen uint64, t Transport, reason error) {
	m.mu.Lock()
	if m.generation != gen || m.transport != t {
		m.mu.Unlock()
		return
	}

	m.releaseTransportLocked()

	next := m.state
	next.IsConnected = false
	next.IsConnecting = false

	switch {
	case IsTransportError(reason):
		m.logger.Warnf("transport %s dropped: %s", t.ID(), reason)
		m.scheduleRetryLocked(&next, reason)
	case IsAuthError(reason):
		next.Phase = PhaseFailed
		next.Error = errorReason("Auth error", reason)
	default:
		m.logger.Infof("transport %s closed: %v", t.ID(), reason)
		next.Phase = PhaseFailed
		next.Error = errorReason("Disconnected", reason)
	}

	m.setStateLocked(next)
	m.mu.Unlock()
	m.publisher.drain()

	t.Close()
}

// attachSystemHandlersLocked wires the protocol events the manager reacts to on its own.
func (m *Manager) attachSystemHandlersLocked(gen uint64, t Transport) {
	m.system = []*Listener{
		newSystemListener(EventAuthError, func(payload json.RawMessage) {
			m.onAuthError(gen, t, payload)
		}),
		newSystemListener(EventError, func(payload json.RawMessage) {
			m.onServerError(gen, t, payload)
		}),
		newSystemListener(EventConnectionLimitExceeded, m.protocolError("Connection limit exceeded")),
		newSystemListener(EventSubscriptionError, m.protocolError("Subscription error")),
		newSystemListener(EventConnectionReplaced, m.protocolError("Connection replaced by new session")),
	}

	for _, l := range m.system {
		t.Attach(l)
	}
}

func newSystemListener(event string, cb EventCallback) *Listener {
	return &Listener{
		id:       "system:" + event,
		event:    event,
		callback: cb,
		wrapper:  cb,
	}
}

// onAuthError is terminal: the transport is dropped and no retry is scheduled. A fresh token
// and an explicit Connect are required.
func (m *Manager) onAuthError(gen uint64, t Transport, payload json.RawMessage) {
	se := decodeServerError(payload)

	m.mu.Lock()
	if m.generation != gen || m.transport != t {
		m.mu.Unlock()
		return
	}

	m.logger.Errorf("websocket authentication error: %s", se.Text("Authentication failed"))

	m.generation++
	m.stopRetryTimerLocked()
	m.releaseTransportLocked()

	next := m.state
	next.Phase = PhaseFailed
	next.IsConnected = false
	next.IsConnecting = false
	next.TransportError = false
	next.Error = "Auth error: " + se.Text("Authentication failed")
	m.setStateLocked(next)
	m.mu.Unlock()
	m.publisher.drain()

	t.Close()
}

// onServerError routes transport-typed errors into the retry path and surfaces anything else.
func (m *Manager) onServerError(gen uint64, t Transport, payload json.RawMessage) {
	se := decodeServerError(payload)

	if se.Type == connectErrorTypeTransport {
		m.onTransportClosed(gen, t, errors.Wrap(ErrTransport, se.Text("transport error")))
		return
	}

	m.protocolError("Socket error")(payload)
}

// protocolError surfaces a server-pushed error into the state without touching connectivity.
func (m *Manager) protocolError(prefix string) EventCallback {
	return func(payload json.RawMessage) {
		se := decodeServerError(payload)
		text := se.Text("unknown error")

		m.logger.Warnf("%s: %s", prefix, text)

		m.mu.Lock()
		next := m.state
		next.Error = prefix + ": " + text
		m.setStateLocked(next)
		m.mu.Unlock()
		m.publisher.drain()
	}
}

// releaseTransportLocked detaches every handler from the current transport and forgets it.
// The caller closes the returned transport outside the lock.
func (m *Manager) releaseTransportLocked() Transport {
	t := m.transport
	if t == nil {
		return nil
	}

	for _, l := range m.system {
		t.Detach(l)
	}
	m.system = nil
	m.listeners.Unbind()
	m.transport = nil

	return t
}

func (m *Manager) stopRetryTimerLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// setStateLocked replaces the snapshot and queues it for observers, preserving mutation order.
// Callers drain the publisher after releasing m.mu.
func (m *Manager) setStateLocked(next ConnectionState) {
	m.state = next
	m.publisher.enqueue(next)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
