package libchannel

import "time"

// Phase is the state machine position of a Manager.
type Phase int

const (
	// PhaseIdle means no transport is open and no attempt is scheduled.
	PhaseIdle Phase = iota
	// PhaseConnecting means a connect attempt is in flight.
	PhaseConnecting
	// PhaseConnected means a transport is live and every listener is attached to it.
	PhaseConnected
	// PhaseRetrying means the transport dropped and a retry timer is pending.
	PhaseRetrying
	// PhaseFailed means the last attempt settled with an error and nothing is scheduled.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseRetrying:
		return "retrying"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is an immutable snapshot. Managers replace it wholesale on every update
// and hand out copies only.
type ConnectionState struct {
	Phase          Phase
	IsConnected    bool
	IsConnecting   bool
	Error          string
	LastConnected  time.Time
	TransportError bool
	RetryCount     int
}

// HasError reports whether the snapshot carries a failure reason.
func (s ConnectionState) HasError() bool {
	return s.Error != ""
}

// Quality is a coarse connection quality indicator.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityUnknown Quality = "unknown"
)

// ConnectionStats is the health report of a single channel.
type ConnectionStats struct {
	Channel        string
	Connected      bool
	Transport      string
	Quality        Quality
	Error          string
	LastConnected  time.Time
	TransportError bool
	RetryCount     int
	IsRecovering   bool
}

func statsFromState(channel string, s ConnectionState) ConnectionStats {
	quality := QualityUnknown
	if s.IsConnected {
		quality = QualityGood
	}

	return ConnectionStats{
		Channel:        channel,
		Connected:      s.IsConnected,
		Transport:      "websocket",
		Quality:        quality,
		Error:          s.Error,
		LastConnected:  s.LastConnected,
		TransportError: s.TransportError,
		RetryCount:     s.RetryCount,
		IsRecovering:   s.TransportError && s.RetryCount > 0,
	}
}
