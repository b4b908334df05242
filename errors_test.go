package libchannel

import (
	"encoding/json"
	"net"
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassifyDisconnectReason(t *testing.T) {
	tests := []struct {
		reason    string
		transport bool
		target    error
	}{
		{reason: ReasonTransportClose, transport: true, target: ErrTransport},
		{reason: ReasonTransportError, transport: true, target: ErrTransport},
		{reason: ReasonPingTimeout, transport: true, target: ErrTransport},
		{reason: ReasonServerDisconnect, target: ErrTerminated},
		{reason: ReasonClientDisconnect, target: ErrTerminated},
		{reason: "", target: ErrTerminated},
		{reason: "kicked by admin", target: ErrConnectionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			err := classifyDisconnectReason(tt.reason)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.transport, IsTransportError(err))
		})
	}
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, IsTransportError(nil))
	assert.True(t, IsTransportError(errors.Wrap(ErrTransport, "reset")))
	assert.True(t, IsTransportError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.False(t, IsTransportError(ErrAuth))
}

func TestHandshakeError(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		target  error
		message string
	}{
		{name: "auth", payload: `{"message":"jwt expired","type":"auth"}`, target: ErrAuth, message: "jwt expired"},
		{name: "transport", payload: `{"message":"upstream gone","type":"transport"}`, target: ErrTransport, message: "upstream gone"},
		{name: "untyped", payload: `{"error":"maintenance"}`, target: ErrConnectRejected, message: "maintenance"},
		{name: "plain string", payload: `"go away"`, target: ErrConnectRejected, message: "go away"},
		{name: "empty", payload: ``, target: ErrConnectRejected, message: "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handshakeError(json.RawMessage(tt.payload))
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestWrapErrorUnrecoverableConnection(t *testing.T) {
	assert.NoError(t, WrapErrorUnrecoverableConnection(nil, url.URL{}))

	u := url.URL{Scheme: "wss", Host: "chat.example.test"}
	err := WrapErrorUnrecoverableConnection(ErrAuth, u)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "wss://chat.example.test")
}

func TestDecodeFrame(t *testing.T) {
	f, err := decodeFrame([]byte(`{"event":"new_message","data":{"text":"hi"},"id":3}`))
	assert.NoError(t, err)
	assert.Equal(t, "new_message", f.Event)
	assert.Equal(t, uint64(3), f.ID)
	assert.False(t, f.IsAck())

	_, err = decodeFrame([]byte(`{"data":1}`))
	assert.Error(t, err)

	_, err = decodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestMarshalPayload(t *testing.T) {
	raw, err := MarshalPayload(json.RawMessage(`{"a":1}`))
	assert.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	raw, err = MarshalPayload(nil)
	assert.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = MarshalPayload(struct {
		Room string `json:"room"`
	}{Room: "r1"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"room":"r1"}`, string(raw))

	_, err = MarshalPayload(make(chan int))
	assert.Error(t, err)
}
