package health

import "time"

// Channel identifies which connection a state or event belongs to. The REST
// and streaming channels are supervised independently.
type Channel string

const (
	ChannelAPI    Channel = "api"
	ChannelStream Channel = "stream"
)

type EventType string

const (
	// EventDisconnected fires when consecutive failures reach the threshold.
	EventDisconnected EventType = "disconnected"
	// EventReconnected fires on the first success after a disconnect.
	EventReconnected EventType = "reconnected"
	// EventReconnectFailed fires after each failed reconnect attempt.
	EventReconnectFailed EventType = "reconnect_failed"
	// EventReconnectExhausted is terminal: the attempt cap was reached and
	// automatic retry stops for this channel.
	EventReconnectExhausted EventType = "reconnect_exhausted"
)

type Event struct {
	Channel Channel
	Type    EventType
	Attempt int
	At      time.Time
	Err     error
}

// ChannelState is a point-in-time snapshot of one supervised channel.
type ChannelState struct {
	Channel             Channel
	Connected           bool
	ConsecutiveFailures int
	ReconnectAttempts   int
	LastSuccess         time.Time
	LastCheck           time.Time
}
