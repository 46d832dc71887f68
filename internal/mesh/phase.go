package mesh

import "github.com/pion/webrtc/v4"

// SignalingPhase tracks where a peer is in the offer/answer exchange.
type SignalingPhase int

const (
	Stable SignalingPhase = iota
	MakingOffer
	HaveLocalOffer
	HaveRemoteOffer
	SignalingClosed
)

func (p SignalingPhase) String() string {
	switch p {
	case Stable:
		return "stable"
	case MakingOffer:
		return "making-offer"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	case SignalingClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionPhase is the liveness of the transport to a peer.
type ConnectionPhase int

const (
	PhaseNew ConnectionPhase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
	PhaseClosed
)

func (p ConnectionPhase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the phase ends the peer's connection.
func (p ConnectionPhase) Terminal() bool {
	return p == PhaseDisconnected || p == PhaseFailed || p == PhaseClosed
}

func phaseFromPion(s webrtc.PeerConnectionState) ConnectionPhase {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return PhaseConnecting
	case webrtc.PeerConnectionStateConnected:
		return PhaseConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PhaseDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PhaseFailed
	case webrtc.PeerConnectionStateClosed:
		return PhaseClosed
	default:
		return PhaseNew
	}
}

// PhaseEvent reports a connection phase change of one peer.
type PhaseEvent struct {
	PeerID string
	Phase  ConnectionPhase
}

// PeerStatus is a point-in-time view of one registry entry.
type PeerStatus struct {
	ID         string
	Name       string
	Role       Role
	Signaling  SignalingPhase
	Connection ConnectionPhase
	Pending    int
	Muted      bool
}
