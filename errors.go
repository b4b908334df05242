package libchannel

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed     = errors.New("connection has been closed")
	ErrTransport            = errors.New("transport error")
	ErrAuth                 = errors.New("authentication rejected")
	ErrConnectTimeout       = errors.New("connection timeout")
	ErrConnectRejected      = errors.New("connection rejected by server")
	ErrNotConnected         = errors.New("not connected")
	ErrTerminated           = errors.New("connection terminated")
	ErrRateLimit            = errors.New("rate limit exceeded")
	ErrRetryBudgetExhausted = errors.New("max retry attempts reached")
	ErrDisconnected         = errors.New("manager disconnected while connecting")
	ErrInvalidConfig        = errors.New("invalid config")
	ErrAckTimeout           = errors.New("timeout waiting for ack")
)

// Disconnect reasons reported by the server or by the transport itself.
const (
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonPingTimeout      = "ping timeout"
)

// ErrUnrecoverableConnection marks a failure that automatic retries cannot fix.
type ErrUnrecoverableConnection struct {
	err error
	url url.URL
}

func (e ErrUnrecoverableConnection) Error() string {
	return fmt.Sprintf("Unrecoverable connection error: %s to %s", e.err, e.url.String())
}

func (e ErrUnrecoverableConnection) Unwrap() error { return e.err }

func WrapErrorUnrecoverableConnection(err error, url url.URL) error {
	if err == nil {
		return nil
	}
	return &ErrUnrecoverableConnection{
		err: err,
		url: url,
	}
}

// IsTransportError reports whether err originates in the connection layer and is therefore
// eligible for automatic retry.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool {
	return err != nil && errors.Is(err, ErrAuth)
}

// classifyDisconnectReason maps a disconnect reason onto the error taxonomy. Transport-level
// reasons wrap ErrTransport, server-initiated ones ErrTerminated.
func classifyDisconnectReason(reason string) error {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case ReasonTransportClose, ReasonTransportError, ReasonPingTimeout:
		return errors.Wrap(ErrTransport, reason)
	case ReasonServerDisconnect:
		return errors.Wrap(ErrTerminated, reason)
	case ReasonClientDisconnect, "":
		return ErrTerminated
	default:
		return errors.Wrap(ErrConnectionClosed, reason)
	}
}

// errorReason renders err for ConnectionState.Error.
func errorReason(prefix string, err error) string {
	if err == nil {
		return prefix
	}
	return prefix + ": " + err.Error()
}
