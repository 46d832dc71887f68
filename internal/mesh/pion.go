package mesh

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/Huddle/internal/config"
	"github.com/BioHazard786/Huddle/internal/ice"
	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/media"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const opusPayloadType = 111

// NewAPI builds the pion API every peer connection is created from: Opus
// only, with the transport settings from cfg.
func NewAPI(cfg *config.Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: media.OpusCapability,
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	se := ice.SettingEngine(cfg)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

// NewPionFactory opens real peer connections through api.
func NewPionFactory(api *webrtc.API, conf webrtc.Configuration, logger *slog.Logger) ConnFactory {
	logger = logging.Or(logger).With("component", "pion")

	return func(remoteID string, h ConnHandlers) (Conn, error) {
		pc, err := api.NewPeerConnection(conf)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		c := &pionConn{pc: pc, logger: logger.With("peer", remoteID)}

		pc.OnNegotiationNeeded(func() {
			if h.NegotiationNeeded != nil {
				go h.NegotiationNeeded()
			}
		})

		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			// nil marks the end of gathering
			if cand == nil || h.LocalCandidate == nil {
				return
			}
			h.LocalCandidate(cand.ToJSON())
		})

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if track.Kind() != webrtc.RTPCodecTypeAudio || h.RemoteTrack == nil {
				return
			}
			h.RemoteTrack(remoteTrack{track})
		})

		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if h.StateChange != nil {
				h.StateChange(phaseFromPion(s))
			}
		})

		return c, nil
	}
}

type pionConn struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu     sync.Mutex
	sender *webrtc.RTPSender
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

// Rollback asks pion to discard whichever description is pending. Pion v4
// refuses every rollback transition, so callers must be ready to replace the
// connection when this fails.
func (c *pionConn) Rollback() error {
	switch c.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if pending := c.pc.PendingLocalDescription(); pending != nil {
			desc.SDP = pending.SDP
		}
		return c.pc.SetLocalDescription(desc)

	case webrtc.SignalingStateHaveRemoteOffer:
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if pending := c.pc.PendingRemoteDescription(); pending != nil {
			desc.SDP = pending.SDP
		}
		return c.pc.SetRemoteDescription(desc)
	}
	return nil
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) AttachTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sender != nil {
		if c.sender.Track() == track {
			return nil
		}
		return c.sender.ReplaceTrack(track)
	}

	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	c.sender = sender

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

// remoteTrack narrows a pion remote track to what a sink reads.
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}
