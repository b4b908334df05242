package libchannel

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Reserved event names of the channel protocol.
const (
	EventConnect                 = "connect"
	EventConnectError            = "connect_error"
	EventDisconnect              = "disconnect"
	EventAuthError               = "auth_error"
	EventError                   = "error"
	EventConnectionLimitExceeded = "connection_limit_exceeded"
	EventSubscriptionError       = "subscription_error"
	EventConnectionReplaced      = "connection_replaced"
)

// Connect error types sent by the server in a connect_error frame.
const (
	connectErrorTypeAuth      = "auth"
	connectErrorTypeTransport = "transport"
)

// Frame is a single JSON text message on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

func (f Frame) IsAck() bool {
	return f.Ack != 0
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{event=%s,id=%d,ack=%d,data=%s}", f.Event, f.ID, f.Ack, f.Data)
}

type (
	handshakeRequest struct {
		Token string `json:"token,omitempty"`
	}

	handshakeAccept struct {
		SID string `json:"sid"`
	}

	// ServerError is the payload of connect_error, auth_error and the other server-pushed
	// protocol errors.
	ServerError struct {
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
		Type    string `json:"type,omitempty"`
	}

	disconnectNotice struct {
		Reason string `json:"reason"`
	}
)

// Text returns the most descriptive field of the payload.
func (e ServerError) Text(fallback string) string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	default:
		return fallback
	}
}

func encodeFrame(f Frame) ([]byte, error) {
	bts, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot encode frame '%s'", f.Event)
	}
	return bts, nil
}

func decodeFrame(bts []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(bts, &f); err != nil {
		return Frame{}, errors.Wrap(err, "cannot decode frame")
	}
	if f.Event == "" && f.Ack == 0 {
		return Frame{}, errors.New("frame without event nor ack")
	}
	return f, nil
}

// MarshalPayload encodes an arbitrary value as an event payload. Raw JSON and byte slices are
// passed through untouched.
func MarshalPayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		bts, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "cannot encode payload")
		}
		return bts, nil
	}
}

func decodeServerError(payload json.RawMessage) ServerError {
	var se ServerError
	if len(payload) == 0 {
		return se
	}
	if err := json.Unmarshal(payload, &se); err != nil {
		// Plain string payloads are common for ad-hoc server errors.
		var text string
		if json.Unmarshal(payload, &text) == nil {
			se.Message = text
		}
	}
	return se
}

// handshakeError classifies a connect_error payload.
func handshakeError(payload json.RawMessage) error {
	se := decodeServerError(payload)
	msg := se.Text("connection refused")

	switch se.Type {
	case connectErrorTypeAuth:
		return errors.Wrap(ErrAuth, msg)
	case connectErrorTypeTransport:
		return errors.Wrap(ErrTransport, msg)
	default:
		return errors.Wrap(ErrConnectRejected, msg)
	}
}
