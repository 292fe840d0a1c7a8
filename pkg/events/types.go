// Package events provides real-time event fan-out for search jobs: an
// ownership-checked subscription manager with pending-subscription activation
// and per-channel backlog, plus the publisher that serializes and routes
// canonical event payloads.
package events

// Channel names form a closed set; anything else is rejected at subscribe.
const (
	ChannelSearch    = "search"
	ChannelAssistant = "assistant"
	ChannelProvider  = "provider"
)

// ValidChannel reports whether the channel belongs to the closed set.
func ValidChannel(channel string) bool {
	switch channel {
	case ChannelSearch, ChannelAssistant, ChannelProvider:
		return true
	}
	return false
}

// Identity is the authenticated identity a subscriber presents. UserID may be
// empty for anonymous sessions.
type Identity struct {
	UserID    string
	SessionID string
}

// Subscriber is one consumer of events for a (channel, requestId). Send must
// not block: transport implementations enqueue onto a bounded per-connection
// queue and return an error on overflow or closure, after which the
// subscriber is dropped.
type Subscriber interface {
	ID() string
	Identity() Identity
	Send(event []byte) error
}

// ClientMessage is the JSON structure for client → server subscription
// messages.
type ClientMessage struct {
	V         int    `json:"v,omitempty"`
	Action    string `json:"action"` // "subscribe", "unsubscribe", "ping"
	Channel   string `json:"channel,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Nack reasons (machine-readable).
const (
	ReasonBadChannel      = "unknown channel"
	ReasonSessionMismatch = "session mismatch: subscriber does not own this request"
	ReasonUserMismatch    = "user mismatch: subscriber does not own this request"
	ReasonStoreDown       = "job store unavailable"
	ReasonUnauthenticated = "authentication required"
)

// Structured close reasons for the subscription transport.
const (
	CloseIdleTimeout       = "IDLE_TIMEOUT"
	CloseHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	CloseServerClose       = "SERVER_CLOSE"
	CloseSendQueueOverflow = "SEND_QUEUE_OVERFLOW"
)
