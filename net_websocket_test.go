package libchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channelServer speaks the channel protocol: handshake, echo, acks and a few scripted
// failures triggered by client events.
type channelServer struct {
	*httptest.Server

	// stop releases sessions parked by the "stall" token
	stop chan struct{}

	mu       sync.Mutex
	paths    []string
	auths    []string
	sessions int
}

func newChannelServer(t *testing.T) *channelServer {
	t.Helper()

	s := &channelServer{stop: make(chan struct{})}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.URL.Path)
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		s.mu.Unlock()

		if r.Header.Get("Authorization") == "Bearer denied" {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s.serve(conn)
	}))
	t.Cleanup(s.Close)
	t.Cleanup(func() { close(s.stop) })

	return s
}

func (s *channelServer) serve(conn *websocket.Conn) {
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Event != EventConnect {
		return
	}

	var req handshakeRequest
	_ = json.Unmarshal(hello.Data, &req)

	if req.Token == "reject" {
		_ = conn.WriteJSON(Frame{
			Event: EventConnectError,
			Data:  json.RawMessage(`{"message":"jwt expired","type":"auth"}`),
		})
		return
	}

	s.mu.Lock()
	s.sessions++
	sid := fmt.Sprintf("sid-%d", s.sessions)
	s.mu.Unlock()

	_ = conn.WriteJSON(Frame{Event: EventConnect, Data: json.RawMessage(`{"sid":"` + sid + `"}`)})

	if req.Token == "stall" {
		// half-open peer: the socket stays up but nothing is read or answered
		<-s.stop
		return
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}

		switch {
		case f.ID != 0:
			_ = conn.WriteJSON(Frame{Ack: f.ID, Data: json.RawMessage(`{"ok":true}`)})
		case f.Event == "echo":
			_ = conn.WriteJSON(Frame{Event: "echo", Data: f.Data})
		case f.Event == "kill":
			_ = conn.UnderlyingConn().Close()
			return
		case f.Event == "bye":
			_ = conn.WriteJSON(Frame{
				Event: EventDisconnect,
				Data:  json.RawMessage(`{"reason":"io server disconnect"}`),
			})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *channelServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *channelServer) lastRequest() (path, auth string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.paths) == 0 {
		return "", ""
	}
	return s.paths[len(s.paths)-1], s.auths[len(s.auths)-1]
}

func newWebsocketManager(t *testing.T, s *channelServer, tune ...func(*Config)) *Manager {
	t.Helper()

	cfg := testConfig()
	cfg.URL = s.URL
	cfg.ConnectTimeout = 2 * time.Second
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PongTimeout = time.Second
	for _, fn := range tune {
		fn(&cfg)
	}

	dial := NewWebsocketDialer(NewNoopLogger(), nil, WebsocketOptions{})

	m, err := NewManager(cfg, dial)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	return m
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		channel string
		want    string
	}{
		{name: "http becomes ws", base: "http://localhost:10000", channel: MessagingChannel, want: "ws://localhost:10000/messaging"},
		{name: "https becomes wss", base: "https://chat.example.test/", channel: MeetingsChannel, want: "wss://chat.example.test/meetings"},
		{name: "default channel keeps path", base: "ws://chat.example.test/socket", channel: DefaultChannel, want: "ws://chat.example.test/socket"},
		{name: "base path is kept", base: "wss://chat.example.test/socket/", channel: "messaging", want: "wss://chat.example.test/socket/messaging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := url.Parse(tt.base)
			require.NoError(t, err)

			got := channelURL(*base, tt.channel)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestWebsocketDialerHandshake(t *testing.T) {
	s := newChannelServer(t)

	base, err := url.Parse(s.URL)
	require.NoError(t, err)

	dial := NewWebsocketDialer(NewNoopLogger(), nil, WebsocketOptions{})
	tr, err := dial(context.Background(), DialParams{URL: *base, Channel: MessagingChannel, Token: "tok1"})
	require.NoError(t, err)

	ws, ok := tr.(*wsTransport)
	require.True(t, ok)
	assert.Equal(t, "sid-1", ws.SID())
	assert.NotEmpty(t, ws.ID())
	assert.WithinDuration(t, time.Now(), ws.LastSeen(), time.Second)

	path, auth := s.lastRequest()
	assert.Equal(t, "/messaging", path)
	assert.Equal(t, "Bearer tok1", auth)

	tr.Close()
	select {
	case <-tr.CloseChan():
	case <-time.After(waitFor):
		t.Fatal("transport not closed")
	}
	assert.ErrorIs(t, tr.CloseErr(), ErrTerminated)
	assert.ErrorIs(t, tr.Emit("echo", nil), ErrConnectionClosed)
}

func TestWebsocketManagerEventsAndAcks(t *testing.T) {
	s := newChannelServer(t)
	m := newWebsocketManager(t, s)

	got := make(chan string, 1)
	m.On("echo", func(p json.RawMessage) {
		got <- string(p)
	})

	require.NoError(t, m.Connect(context.Background(), "tok1"))
	require.NoError(t, m.Emit("echo", map[string]string{"text": "hi"}))

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"text":"hi"}`, payload)
	case <-time.After(waitFor):
		t.Fatal("echo not received")
	}

	resp, err := m.EmitWithAck(context.Background(), "join_room", map[string]string{"room": "r1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
}

func TestWebsocketManagerHandshakeAuthRejection(t *testing.T) {
	s := newChannelServer(t)
	m := newWebsocketManager(t, s)

	err := m.Connect(context.Background(), "reject")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "jwt expired")

	st := m.State()
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Contains(t, st.Error, "Auth error")
	assert.Zero(t, s.sessionCount())
}

func TestWebsocketManagerHTTPUnauthorized(t *testing.T) {
	s := newChannelServer(t)
	m := newWebsocketManager(t, s)

	err := m.Connect(context.Background(), "denied")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, PhaseFailed, m.State().Phase)
}

func TestWebsocketManagerRetriesAfterDrop(t *testing.T) {
	s := newChannelServer(t)
	m := newWebsocketManager(t, s)

	got := make(chan string, 4)
	m.On("echo", func(p json.RawMessage) {
		got <- string(p)
	})

	require.NoError(t, m.Connect(context.Background(), "tok1"))
	require.NoError(t, m.Emit("kill", nil))

	require.Eventually(t, func() bool {
		return s.sessionCount() == 2 && m.IsConnected()
	}, waitFor, tick)

	require.NoError(t, m.Emit("echo", map[string]string{"text": "again"}))
	select {
	case payload := <-got:
		assert.JSONEq(t, `{"text":"again"}`, payload)
	case <-time.After(waitFor):
		t.Fatal("echo not received after reconnect")
	}
	assert.Zero(t, m.State().RetryCount)
}

func TestWebsocketManagerServerDisconnect(t *testing.T) {
	s := newChannelServer(t)
	m := newWebsocketManager(t, s)

	require.NoError(t, m.Connect(context.Background(), "tok1"))
	require.NoError(t, m.Emit("bye", nil))

	require.Eventually(t, func() bool { return m.State().Phase == PhaseFailed }, waitFor, tick)
	assert.Contains(t, m.State().Error, "Disconnected")
	assert.Contains(t, m.State().Error, ReasonServerDisconnect)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.sessionCount())
}

func TestWebsocketManagerDropsSilentPeer(t *testing.T) {
	s := newChannelServer(t)
	m := newWebsocketManager(t, s, func(c *Config) {
		c.PongTimeout = 40 * time.Millisecond
		c.BaseRetryDelay = time.Second
		c.MaxRetryDelay = 2 * time.Second
	})

	require.NoError(t, m.Connect(context.Background(), "stall"))

	require.Eventually(t, func() bool { return m.State().Phase == PhaseRetrying }, waitFor, tick)

	st := m.State()
	assert.False(t, st.IsConnected)
	assert.True(t, st.TransportError)
	assert.Equal(t, 1, st.RetryCount)
	assert.Contains(t, st.Error, ReasonPingTimeout)
}

func TestResolveAckDropsDuplicate(t *testing.T) {
	tr := &wsTransport{
		logger: NewNoopLogger(),
		acks:   make(map[uint64]chan json.RawMessage),
	}
	ch := make(chan json.RawMessage, 1)
	tr.acks[7] = ch

	done := make(chan struct{})
	go func() {
		tr.resolveAck(Frame{Ack: 7, Data: json.RawMessage(`1`)})
		tr.resolveAck(Frame{Ack: 7, Data: json.RawMessage(`2`)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("resolveAck blocked on a duplicate ack")
	}
	assert.Equal(t, `1`, string(<-ch))
}

func TestHandleDialError(t *testing.T) {
	assert.NoError(t, handleDialError(ErrorAdapters{}, nil, nil, nil))

	err := handleDialError(ErrorAdapters{}, nil, &http.Response{StatusCode: http.StatusTooManyRequests}, websocket.ErrBadHandshake)
	assert.ErrorIs(t, err, ErrRateLimit)

	err = handleDialError(ErrorAdapters{}, nil, &http.Response{StatusCode: http.StatusForbidden}, websocket.ErrBadHandshake)
	assert.ErrorIs(t, err, ErrAuth)

	err = handleDialError(ErrorAdapters{}, nil, nil, fmt.Errorf("dial tcp: connection refused"))
	assert.True(t, IsTransportError(err))

	custom := ErrorAdapters{OnDial: func(*websocket.Conn, *http.Response, error) error { return ErrConnectRejected }}
	assert.ErrorIs(t, handleDialError(custom, nil, nil, nil), ErrConnectRejected)
}
