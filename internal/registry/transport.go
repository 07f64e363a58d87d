package registry

// Close codes sent before or while tearing a connection down. Admission
// failures use distinct codes so clients can tell capacity, authentication,
// and throttling apart before any application message flows.
const (
	CloseNormal           = 1000
	CloseCapacityExceeded = 1013
	CloseRateLimited      = 1008
	CloseMessageTooBig    = 1009
	CloseAuthFailed       = 4001
)

// Envelope is the wire shape shared by every inbound and outbound message.
type Envelope struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// Transport is the write half of a live client connection. The registry owns
// the transport exclusively once the connection is registered.
type Transport interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// State tracks the connection lifecycle. Disconnected is terminal.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
