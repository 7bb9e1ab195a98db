package model

// SessionState is the lifecycle position of a group session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiatingHost
	StateNegotiatingPeer
	StateLiveAsHost
	StateLiveAsPeer
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiatingHost:
		return "negotiating-host"
	case StateNegotiatingPeer:
		return "negotiating-peer"
	case StateLiveAsHost:
		return "live-as-host"
	case StateLiveAsPeer:
		return "live-as-peer"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Live reports whether the session is an active group member.
func (s SessionState) Live() bool {
	return s == StateLiveAsHost || s == StateLiveAsPeer
}

// Connecting reports whether a negotiation is in progress.
func (s SessionState) Connecting() bool {
	return s == StateNegotiatingHost || s == StateNegotiatingPeer
}
