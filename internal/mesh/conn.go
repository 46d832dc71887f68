package mesh

import (
	"github.com/BioHazard786/Huddle/internal/sink"
	"github.com/pion/webrtc/v4"
)

// Conn is the native connection a Negotiator drives. Production code uses
// pion; tests substitute a deterministic state machine.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error

	// Rollback returns the connection to stable, discarding a pending offer.
	Rollback() error

	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error

	// AttachTrack sends track, reusing the audio sender if one exists.
	// Attaching the track already being sent is a no-op.
	AttachTrack(webrtc.TrackLocal) error

	Close() error
}

// ConnHandlers receives the native connection's events.
type ConnHandlers struct {
	NegotiationNeeded func()
	LocalCandidate    func(webrtc.ICECandidateInit)
	RemoteTrack       func(sink.Stream)
	StateChange       func(ConnectionPhase)
}

// ConnFactory opens the native connection to remoteID.
type ConnFactory func(remoteID string, h ConnHandlers) (Conn, error)
