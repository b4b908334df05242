package libchannel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Well-known channel names.
const (
	// DefaultChannel is the root namespace, for callers that do not multiplex.
	DefaultChannel   = "/"
	MessagingChannel = "/messaging"
	MeetingsChannel  = "/meetings"
)

type (
	// RegistryOption customizes a Registry at construction.
	RegistryOption func(*Registry)

	// HealthCallback receives periodic channel stats.
	HealthCallback func(ConnectionStats)

	// Registry maps channel names to their Manager. Every channel gets an independent connection
	// while sharing one implementation. It is meant to be built once by the composition root and
	// passed around explicitly.
	Registry struct {
		cfg         RegistryConfig
		dial        Dialer
		logger      logger
		tokenSource TokenSource
		managerOpts []ManagerOption

		mu       sync.Mutex
		managers map[string]*Manager
	}
)

func WithRegistryLogger(l logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithRegistryTokenSource is handed to every manager and enables AutoConnect.
func WithRegistryTokenSource(source TokenSource) RegistryOption {
	return func(r *Registry) {
		r.tokenSource = source
	}
}

// WithManagerOptions appends options applied to every manager the registry creates.
func WithManagerOptions(opts ...ManagerOption) RegistryOption {
	return func(r *Registry) {
		r.managerOpts = append(r.managerOpts, opts...)
	}
}

// NewRegistry returns an empty registry. Managers are created on first access.
func NewRegistry(cfg RegistryConfig, dial Dialer, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		dial:     dial,
		logger:   NewNoopLogger(),
		managers: make(map[string]*Manager),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.WithField("type", "channel_registry")

	return r
}

// GetOrCreate returns the manager of channel name, creating it on first use.
func (r *Registry) GetOrCreate(name string) (*Manager, error) {
	if name == "" {
		name = DefaultChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[name]; ok {
		return m, nil
	}

	m, err := r.newManager(name)
	if err != nil {
		return nil, err
	}

	r.managers[name] = m
	r.logger.Debugf("created manager for channel '%s'", name)

	if m.cfg.AutoConnect && r.tokenSource != nil {
		go r.autoConnect(m)
	}

	return m, nil
}

func (r *Registry) newManager(name string) (*Manager, error) {
	opts := []ManagerOption{WithLogger(r.logger)}
	if r.tokenSource != nil {
		opts = append(opts, WithTokenSource(r.tokenSource))
	}
	opts = append(opts, r.managerOpts...)

	return NewManager(r.cfg.ChannelConfig(name), r.dial, opts...)
}

func (r *Registry) autoConnect(m *Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	token, err := r.tokenSource(ctx)
	if err != nil {
		r.logger.Errorf("auto connect of '%s' skipped, cannot fetch token: %s", m.Channel(), err)
		return
	}

	if err := m.Connect(ctx, token); err != nil {
		r.logger.Warnf("auto connect of '%s' failed: %s", m.Channel(), err)
	}
}

// Get returns the manager of name without creating it.
func (r *Registry) Get(name string) (*Manager, bool) {
	if name == "" {
		name = DefaultChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.managers[name]
	return m, ok
}

// Default returns the manager of DefaultChannel.
func (r *Registry) Default() (*Manager, error) {
	return r.GetOrCreate(DefaultChannel)
}

// Remove disconnects and evicts the manager of name. Unknown names are ignored.
func (r *Registry) Remove(name string) {
	if name == "" {
		name = DefaultChannel
	}

	r.mu.Lock()
	m, ok := r.managers[name]
	delete(r.managers, name)
	r.mu.Unlock()

	if ok {
		m.Disconnect()
		r.logger.Debugf("removed channel '%s'", name)
	}
}

// DisconnectAll tears down and evicts every channel, e.g. on logout.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Disconnect()
	}

	r.logger.Infof("disconnected %d channels", len(managers))
}

// Names returns the channels currently held, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.managers))
	for name := range r.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsConnected reports whether channel name exists and is live.
func (r *Registry) IsConnected(name string) bool {
	m, ok := r.Get(name)
	return ok && m.IsConnected()
}

// Stats reports the health of channel name. ok is false when the channel does not exist.
func (r *Registry) Stats(name string) (stats ConnectionStats, ok bool) {
	m, ok := r.Get(name)
	if !ok {
		return ConnectionStats{}, false
	}
	return statsFromState(m.Channel(), m.State()), true
}

// MonitorHealth reports the stats of channel name every interval until ctx is done or the
// returned stop function is called. Missing channels are skipped silently.
func (r *Registry) MonitorHealth(
	ctx context.Context,
	name string,
	interval time.Duration,
	cb HealthCallback,
) (stop func()) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if stats, ok := r.Stats(name); ok {
					cb(stats)
				}
			}
		}
	}()

	return cancel
}

// SmartReconnect connects channel name, retrying with the channel's backoff policy up to
// maxTries attempts. Auth failures stop it right away.
func (r *Registry) SmartReconnect(ctx context.Context, name string, maxTries int) bool {
	m, err := r.GetOrCreate(name)
	if err != nil {
		r.logger.Errorf("smart reconnect of '%s': %s", name, err)
		return false
	}

	if maxTries <= 0 {
		maxTries = m.policy.MaxAttempts
	}

	operation := func() (struct{}, error) {
		token, err := m.credentials.Get(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err := m.Connect(ctx, token); err != nil {
			if IsAuthError(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(m.policy.BackOff()),
		backoff.WithMaxTries(uint(maxTries)),
	)
	if err != nil {
		r.logger.Warnf("smart reconnect of '%s' gave up: %s", name, err)
		return false
	}

	return true
}

// Recover runs a manual recovery on channel name.
func (r *Registry) Recover(ctx context.Context, name string) bool {
	m, err := r.GetOrCreate(name)
	if err != nil {
		r.logger.Errorf("recover of '%s': %s", name, err)
		return false
	}
	return m.Recover(ctx)
}
