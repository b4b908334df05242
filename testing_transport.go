package libchannel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// fakeTransport is an in-memory Transport driven by tests.
type fakeTransport struct {
	*dispatcher

	id string

	mu       sync.Mutex
	emitted  []Frame
	closeErr error

	closeOnce sync.Once
	closeC    CloseChan
	closed    atomic.Bool

	ackFunc func(event string, data json.RawMessage) (json.RawMessage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		dispatcher: newDispatcher(),
		id:         uuid.NewString(),
		closeC:     make(CloseChan),
	}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Emit(event string, data json.RawMessage) error {
	if f.closed.Load() {
		return ErrConnectionClosed
	}
	f.mu.Lock()
	f.emitted = append(f.emitted, Frame{Event: event, Data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) EmitWithAck(ctx context.Context, event string, data json.RawMessage) (json.RawMessage, error) {
	if err := f.Emit(event, data); err != nil {
		return nil, err
	}
	if f.ackFunc == nil {
		<-ctx.Done()
		return nil, ErrAckTimeout
	}
	return f.ackFunc(event, data)
}

func (f *fakeTransport) Close() {
	f.closeWith(ErrTerminated)
}

func (f *fakeTransport) CloseChan() CloseChan { return f.closeC }

func (f *fakeTransport) CloseErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeErr
}

// push simulates the server sending event.
func (f *fakeTransport) push(event string, payload string) int {
	return f.Dispatch(event, json.RawMessage(payload))
}

// drop simulates the transport going away with reason.
func (f *fakeTransport) drop(reason error) {
	f.closeWith(reason)
}

func (f *fakeTransport) closeWith(reason error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeErr = reason
		f.mu.Unlock()
		f.closed.Store(true)
		close(f.closeC)
	})
}

func (f *fakeTransport) isClosed() bool {
	return f.closed.Load()
}

func (f *fakeTransport) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.emitted))
	copy(out, f.emitted)
	return out
}

// dialOutcome scripts one dial. A nil err yields a fresh fakeTransport.
type dialOutcome struct {
	err error
	// block makes the dial wait until released or the context ends
	block chan struct{}
}

// fakeDialer hands out scripted outcomes in order, then successes once the script runs out.
type fakeDialer struct {
	mu         sync.Mutex
	script     []dialOutcome
	dials      int
	tokens     []string
	transports []*fakeTransport
}

func (d *fakeDialer) enqueue(outcomes ...dialOutcome) {
	d.mu.Lock()
	d.script = append(d.script, outcomes...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, p DialParams) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, p.Token)
	var out dialOutcome
	if len(d.script) > 0 {
		out = d.script[0]
		d.script = d.script[1:]
	}
	d.mu.Unlock()

	if out.block != nil {
		select {
		case <-out.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if out.err != nil {
		return nil, out.err
	}

	t := newFakeTransport()

	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()

	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tokens) == 0 {
		return ""
	}
	return d.tokens[len(d.tokens)-1]
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.transports) + i
	}
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *fakeDialer) transportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// mockTransport is a testify mock for asserting exact transport interactions.
type mockTransport struct {
	mock.Mock

	closeC CloseChan
}

func newMockTransport() *mockTransport {
	return &mockTransport{closeC: make(CloseChan)}
}

func (m *mockTransport) Attach(l *Listener) {
	m.Called(l.Event())
}

func (m *mockTransport) Detach(l *Listener) {
	m.Called(l.Event())
}

func (m *mockTransport) ID() string {
	return "mock"
}

func (m *mockTransport) Emit(event string, data json.RawMessage) error {
	args := m.Called(event, string(data))
	return args.Error(0)
}

func (m *mockTransport) EmitWithAck(ctx context.Context, event string, data json.RawMessage) (json.RawMessage, error) {
	args := m.Called(event, string(data))
	resp, _ := args.Get(0).(json.RawMessage)
	return resp, args.Error(1)
}

func (m *mockTransport) Close() {
	m.Called()
}

func (m *mockTransport) CloseChan() CloseChan {
	return m.closeC
}

func (m *mockTransport) CloseErr() error {
	return nil
}
