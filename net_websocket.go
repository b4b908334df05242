package libchannel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type (
	ErrAdapter func(*websocket.Conn, *http.Response, error) error

	ErrorAdapters struct {
		OnDial ErrAdapter
	}

	// WebsocketOptions tunes every transport produced by a websocket Dialer.
	WebsocketOptions struct {
		PingInterval time.Duration
		// PongTimeout is how long the peer may stay silent before the transport is dropped with
		// ReasonPingTimeout. Zero means twice PingInterval.
		PongTimeout  time.Duration
		WriteTimeout time.Duration
		ErrAdapters  ErrorAdapters
	}

	// wsTransport is a Transport over a single websocket connection.
	wsTransport struct {
		*dispatcher

		id           string
		sid          string
		logger       logger
		conn         *websocket.Conn
		writeTimeout time.Duration
		keepAlive    *keepAlive

		send chan []byte

		closeChan       CloseChan
		closeOnce       sync.Once
		closeReason     error
		closeReasonOnce sync.Once
		closeReasonMu   sync.RWMutex

		// reason announced by the server in a 'disconnect' frame, if any
		serverReason atomic.Value

		nextAckID atomic.Uint64
		acksMu    sync.Mutex
		acks      map[uint64]chan json.RawMessage

		lastSeen atomic.Int64
	}
)

const defaultHandshakeTimeout = 15 * time.Second

// NewWebsocketDialer returns a Dialer that opens websocket transports and performs the channel
// handshake on them.
func NewWebsocketDialer(
	logger logger,
	dialer *websocket.Dialer,
	opts WebsocketOptions,
) Dialer {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return func(ctx context.Context, p DialParams) (Transport, error) {
		return dialWebsocket(ctx, logger, dialer, opts, p)
	}
}

// channelURL joins the base URL with the channel path and switches http(s) to ws(s).
func channelURL(base url.URL, channel string) url.URL {
	u := base

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	if channel != "" && channel != DefaultChannel {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(channel, "/")
	}

	return u
}

func dialWebsocket(
	ctx context.Context,
	logger logger,
	dialer *websocket.Dialer,
	opts WebsocketOptions,
	p DialParams,
) (Transport, error) {
	target := channelURL(p.URL, p.Channel)

	if p.PingInterval > 0 {
		opts.PingInterval = p.PingInterval
	}
	if p.PongTimeout > 0 {
		opts.PongTimeout = p.PongTimeout
	}
	if p.WriteTimeout > 0 {
		opts.WriteTimeout = p.WriteTimeout
	}

	header := http.Header{}
	for k, v := range p.Header {
		header[k] = append([]string(nil), v...)
	}
	if p.Token != "" {
		header.Set("Authorization", "Bearer "+p.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err = handleDialError(opts.ErrAdapters, conn, resp, err); err != nil {
		logger.Errorf("connection err to %s: %s", target.String(), err)
		if conn != nil {
			_ = conn.Close()
		}
		if IsAuthError(err) {
			return nil, WrapErrorUnrecoverableConnection(err, target)
		}
		return nil, err
	}

	t := &wsTransport{
		dispatcher:   newDispatcher(),
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		send:         make(chan []byte, 32),
		closeChan:    make(CloseChan),
		acks:         make(map[uint64]chan json.RawMessage),
	}
	t.logger = logger.WithField("net", "ws_transport").WithField("transport", t.id)
	t.touch()

	if err := t.handshake(ctx, p.Token); err != nil {
		_ = conn.Close()
		if IsAuthError(err) {
			return nil, WrapErrorUnrecoverableConnection(err, target)
		}
		return nil, err
	}

	t.logger.Debugf("success opening channel %s (sid=%s)", target.String(), t.sid)

	conn.SetPingHandler(passivePongHandler(t.logger, t.touch, func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	}))

	conn.SetPongHandler(func(string) error {
		t.logger.Debugln("<= [PONG]")
		t.touch()
		return nil
	})

	t.keepAlive = newKeepAlive(t.logger, opts.PingInterval, opts.PongTimeout, t.ping, t.LastSeen, t.stale)

	go t.read()
	go t.write()
	t.keepAlive.Start(t.closeChan)

	return t, nil
}

// handshake sends the auth payload and waits for the server verdict.
func (t *wsTransport) handshake(ctx context.Context, token string) error {
	auth, err := MarshalPayload(handshakeRequest{Token: token})
	if err != nil {
		return err
	}

	bts, err := encodeFrame(Frame{Event: EventConnect, Data: auth})
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
		_ = t.conn.SetWriteDeadline(deadline)
		defer func() {
			_ = t.conn.SetReadDeadline(time.Time{})
			_ = t.conn.SetWriteDeadline(time.Time{})
		}()
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, bts); err != nil {
		return t.handshakeIOError(ctx, err)
	}

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return t.handshakeIOError(ctx, err)
		}

		f, err := decodeFrame(raw)
		if err != nil {
			t.logger.Warnf("ignoring malformed handshake frame: %s", err)
			continue
		}

		switch f.Event {
		case EventConnect:
			var accept handshakeAccept
			_ = json.Unmarshal(f.Data, &accept)
			t.sid = accept.SID
			return nil
		case EventConnectError:
			return handshakeError(f.Data)
		default:
			t.logger.Debugf("ignoring '%s' before handshake completed", f.Event)
		}
	}
}

func (t *wsTransport) handshakeIOError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ErrConnectTimeout, err.Error())
	}
	return errors.Wrap(ErrTransport, "handshake failed: "+err.Error())
}

func (t *wsTransport) ID() string {
	return t.id
}

// SID returns the session id assigned by the server.
func (t *wsTransport) SID() string {
	return t.sid
}

func (t *wsTransport) Emit(event string, data json.RawMessage) error {
	return t.writeFrame(Frame{Event: event, Data: data})
}

func (t *wsTransport) EmitWithAck(
	ctx context.Context,
	event string,
	data json.RawMessage,
) (json.RawMessage, error) {
	id := t.nextAckID.Add(1)
	ch := make(chan json.RawMessage, 1)

	t.acksMu.Lock()
	t.acks[id] = ch
	t.acksMu.Unlock()

	defer func() {
		t.acksMu.Lock()
		delete(t.acks, id)
		t.acksMu.Unlock()
	}()

	if err := t.writeFrame(Frame{Event: event, Data: data, ID: id}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrAckTimeout, "event '%s'", event)
	case <-t.closeChan:
		return nil, errors.Wrapf(ErrConnectionClosed, "waiting ack for '%s'", event)
	}
}

func (t *wsTransport) writeFrame(f Frame) error {
	bts, err := encodeFrame(f)
	if err != nil {
		return err
	}

	select {
	case <-t.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case t.send <- bts:
		return nil
	case <-t.closeChan:
		return ErrConnectionClosed
	}
}

// Close terminates the websocket connection.
// It ensures that all resources related to the connection are cleaned up.
func (t *wsTransport) Close() {
	t.setCloseReason(ErrTerminated)
	t.safeClose()
}

func (t *wsTransport) CloseChan() CloseChan {
	return t.closeChan
}

func (t *wsTransport) CloseErr() error {
	t.closeReasonMu.RLock()
	defer t.closeReasonMu.RUnlock()
	return t.closeReason
}

func (t *wsTransport) read() {
	defer t.safeClose()

	for {
		_, bts, err := t.conn.ReadMessage()
		if err != nil {
			t.setCloseReason(t.readErrorReason(err))
			return
		}

		t.touch()

		f, err := decodeFrame(bts)
		if err != nil {
			t.logger.Warnf("dropping malformed frame: %s", err)
			continue
		}

		if f.IsAck() {
			t.resolveAck(f)
			continue
		}

		if f.Event == EventDisconnect {
			var notice disconnectNotice
			_ = json.Unmarshal(f.Data, &notice)
			t.serverReason.Store(notice.Reason)
		}

		t.logger.Debugf("<= [%s] %s", f.Event, f.Data)

		if n := t.Dispatch(f.Event, f.Data); n == 0 {
			t.logger.Debugf("no listener for '%s'", f.Event)
		}
	}
}

func (t *wsTransport) readErrorReason(err error) error {
	select {
	case <-t.closeChan:
		return ErrTerminated
	default:
	}

	if reason, ok := t.serverReason.Load().(string); ok && reason != "" {
		return classifyDisconnectReason(reason)
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return errors.Wrap(ErrTerminated, ReasonServerDisconnect)
	}

	t.logger.Errorf("error occurred on websocket read: %s", err)

	return errors.Wrap(ErrTransport, ReasonTransportClose+": "+err.Error())
}

func (t *wsTransport) resolveAck(f Frame) {
	t.acksMu.Lock()
	ch, ok := t.acks[f.Ack]
	t.acksMu.Unlock()

	if !ok {
		t.logger.Debugf("late ack %d dropped", f.Ack)
		return
	}

	select {
	case ch <- f.Data:
	default:
		t.logger.Debugf("duplicate ack %d dropped", f.Ack)
	}
}

func (t *wsTransport) write() {
	defer t.safeClose()

	for {
		select {
		case <-t.closeChan:
			return
		case bts := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))

			if err := t.conn.WriteMessage(websocket.TextMessage, bts); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					t.setCloseReason(errors.Wrap(ErrTransport, ReasonTransportClose))
				} else {
					t.setCloseReason(errors.Wrap(ErrTransport, ReasonTransportError+": "+err.Error()))
				}
				return
			}

			t.logger.Debugf("=> [DATA] %s", bts)
		}
	}
}

func (t *wsTransport) ping() error {
	t.logger.Debugln("=> [PING]")
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) touch() {
	t.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen is the time of the last frame or control message received.
func (t *wsTransport) LastSeen() time.Time {
	return time.Unix(0, t.lastSeen.Load())
}

// stale drops a connection whose peer stopped answering pings.
func (t *wsTransport) stale() {
	t.setCloseReason(errors.Wrap(ErrTransport, ReasonPingTimeout))
	t.safeClose()
}

func (t *wsTransport) safeClose() {
	t.closeOnce.Do(t.close)
}

func (t *wsTransport) close() {
	if t.keepAlive != nil {
		t.keepAlive.Stop()
	}

	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = t.conn.Close()

	// a reason must be recorded before anybody observes the close
	t.setCloseReason(ErrConnectionClosed)
	close(t.closeChan)
	t.Clear()
}

func (t *wsTransport) setCloseReason(err error) {
	t.closeReasonOnce.Do(func() {
		t.closeReasonMu.Lock()
		t.closeReason = err
		t.closeReasonMu.Unlock()
	})
}

func handleDialError(
	adapters ErrorAdapters,
	conn *websocket.Conn,
	resp *http.Response,
	err error,
) error {
	if adapters.OnDial != nil {
		return adapters.OnDial(conn, resp, err)
	}

	// 1. Check HTTP errors first
	var msg string

	if resp != nil && err != nil {
		if resp.Body != nil {
			bts, readErr := io.ReadAll(resp.Body)
			if readErr == nil {
				msg = string(bts)
			}
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Wrap(ErrAuth, msg)
		case http.StatusTooManyRequests:
			return errors.Wrap(ErrRateLimit, msg)
		}
	}

	// 2. Network errors
	if err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}

	return nil
}
