package engine

import (
	"net"
	"time"

	"sigbridge-server/pkg/sip"
	"sigbridge-server/pkg/transport"
)

// State is the lifecycle position of a call. Calls move strictly forward:
// trying -> ringing -> accepted, or straight to one of the terminal states.
type State string

const (
	StateTrying    State = "trying"
	StateRinging   State = "ringing"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
	StateEnded     State = "ended"
)

// Terminal reports whether the state admits no further transitions
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateEnded:
		return true
	}
	return false
}

// Call is the engine's record of one dialog. It is owned by the dispatch
// loop for its whole lifetime; nothing outside the loop mutates it.
type Call struct {
	ID      string
	FromURI string
	ToURI   string

	// CallerTransport reaches the originating leg; CalleeTransport the
	// answering leg. CalleeTransport is nil for externally-routed calls,
	// which use the call socket instead.
	CallerTransport transport.Destination
	CalleeTransport transport.Destination

	// Offer/Answer are the session descriptions seen so far
	Offer  []byte
	Answer []byte

	State    State
	External bool

	// External routing: the dedicated socket and the remote signaling peer
	CallSocket *transport.CallSocket
	RemoteAddr *net.UDPAddr

	// LastProvisional is re-emitted when a duplicate INVITE arrives
	LastProvisional *sip.Message

	CreatedAt    time.Time
	LastActivity time.Time
}

// fromCaller reports whether src is the call's originating leg
func (c *Call) fromCaller(src transport.Destination) bool {
	return sameDestination(src, c.CallerTransport)
}

// sameDestination compares two destinations for identity: equal peer
// addresses for UDP, the same connection for streams.
func sameDestination(a, b transport.Destination) bool {
	if a == nil || b == nil {
		return false
	}
	ua, aIsUDP := a.(transport.UDPDestination)
	ub, bIsUDP := b.(transport.UDPDestination)
	if aIsUDP && bIsUDP {
		return ua.Addr.String() == ub.Addr.String()
	}
	sa, aIsStream := a.(transport.StreamDestination)
	sb, bIsStream := b.(transport.StreamDestination)
	if aIsStream && bIsStream {
		return sa.Conn == sb.Conn
	}
	return false
}
