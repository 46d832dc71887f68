// Package mesh keeps one audio connection to every other member of a room,
// negotiated with the perfect negotiation pattern over a signaling relay.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/media"
	"github.com/BioHazard786/Huddle/internal/signaling"
	"github.com/BioHazard786/Huddle/internal/sink"
	"github.com/pion/webrtc/v4"
)

const defaultEventBuffer = 64

// Config wires a Mesh.
type Config struct {
	SelfID string

	// Microphone is the shared outbound track. Nil sends silence.
	Microphone *media.Source
	// Sinks plays remote audio. Nil discards it.
	Sinks *sink.Manager

	Signaler Sender
	NewConn  ConnFactory
	Logger   *slog.Logger

	// EventBuffer sizes the Events channel. Events beyond it are dropped.
	EventBuffer int
}

// Mesh is the control surface the application drives.
type Mesh struct {
	selfID   string
	mic      *media.Source
	sinks    *sink.Manager
	registry *Registry
	events   chan PhaseEvent
	logger   *slog.Logger

	mu      sync.Mutex
	names   map[string]string
	muteMap map[string]bool
	closed  bool
}

func New(cfg Config) (*Mesh, error) {
	if cfg.SelfID == "" {
		return nil, newError("new mesh", "", ErrInvalidPeer)
	}
	if cfg.Signaler == nil || cfg.NewConn == nil {
		return nil, fmt.Errorf("new mesh: signaler and connection factory are required")
	}

	logger := logging.Or(cfg.Logger)
	if cfg.Microphone == nil {
		cfg.Microphone = media.NewSource(nil, logger)
	}
	if cfg.Sinks == nil {
		cfg.Sinks = sink.NewManager(sink.Discard, logger)
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	m := &Mesh{
		selfID:  cfg.SelfID,
		mic:     cfg.Microphone,
		sinks:   cfg.Sinks,
		events:  make(chan PhaseEvent, buffer),
		logger:  logger.With("component", "mesh"),
		names:   make(map[string]string),
		muteMap: make(map[string]bool),
	}
	m.registry = NewRegistry(RegistryOptions{
		SelfID:    cfg.SelfID,
		Media:     cfg.Microphone,
		Sender:    cfg.Signaler,
		NewConn:   cfg.NewConn,
		OnTrack:   m.attachSink,
		OnPhase:   m.emit,
		OnRemoved: m.sinks.Detach,
		Logger:    logger,
	})
	return m, nil
}

// SelfID is the id the mesh negotiates as.
func (m *Mesh) SelfID() string { return m.selfID }

// HandleSignal dispatches one offer, answer or candidate from the relay.
func (m *Mesh) HandleSignal(ctx context.Context, env *signaling.Envelope) error {
	if !env.IsSignal() {
		return newError("handle signal", "", fmt.Errorf("%w: %q", ErrUnknownKind, env.Type))
	}

	p, err := env.Signal()
	if err != nil {
		return newError("handle "+env.Type, "", fmt.Errorf("%w: %v", ErrMalformedSignal, err))
	}
	if p.FromID == "" || p.FromID == m.selfID {
		return newError("handle "+env.Type, p.FromID, fmt.Errorf("%w: bad sender", ErrMalformedSignal))
	}
	if p.ToID != "" && p.ToID != m.selfID {
		m.logger.Debug("signal for another peer", "type", env.Type, "to", p.ToID)
		return nil
	}

	switch env.Type {
	case signaling.TypeOffer:
		if p.SDP == nil || p.SDP.Type != webrtc.SDPTypeOffer {
			return newError("handle offer", p.FromID, fmt.Errorf("%w: missing offer", ErrMalformedSignal))
		}
		n, err := m.registry.Ensure(p.FromID)
		if err != nil {
			return err
		}
		return n.OnRemoteOffer(ctx, *p.SDP)

	case signaling.TypeAnswer:
		if p.SDP == nil || p.SDP.Type != webrtc.SDPTypeAnswer {
			return newError("handle answer", p.FromID, fmt.Errorf("%w: missing answer", ErrMalformedSignal))
		}
		n, ok := m.registry.Get(p.FromID)
		if !ok {
			m.logger.Debug("answer from unknown peer", "peer", p.FromID)
			return nil
		}
		return n.OnRemoteAnswer(ctx, *p.SDP)

	default:
		if p.Candidate == nil {
			return nil
		}
		n, err := m.registry.Ensure(p.FromID)
		if err != nil {
			return err
		}
		n.OnRemoteCandidate(*p.Candidate)
		return nil
	}
}

// ConnectTo makes sure a connection to peerID exists and carries the
// microphone track; the offer follows from the track being added.
func (m *Mesh) ConnectTo(ctx context.Context, peerID string) error {
	n, err := m.registry.Ensure(peerID)
	if err != nil {
		return err
	}
	return n.AttachLocalMedia(ctx)
}

// DisconnectFrom tears down the connection to peerID.
func (m *Mesh) DisconnectFrom(peerID string) {
	m.registry.Remove(peerID)
}

// SyncRoster records the members' names and creates entries for members
// without a live connection. It never removes anyone.
func (m *Mesh) SyncRoster(members []signaling.Member) error {
	ids := make([]string, 0, len(members))

	m.mu.Lock()
	for _, mem := range members {
		if mem.ID == "" || mem.ID == m.selfID {
			continue
		}
		m.names[mem.ID] = mem.Name
		ids = append(ids, mem.ID)
	}
	m.mu.Unlock()

	m.applyMutes()
	return m.registry.SyncRoster(ids)
}

// ApplyMuteMap sets playback mute by display name. Names missing from the
// map are unmuted.
func (m *Mesh) ApplyMuteMap(muted map[string]bool) {
	m.mu.Lock()
	m.muteMap = make(map[string]bool, len(muted))
	for name, v := range muted {
		m.muteMap[name] = v
	}
	m.mu.Unlock()

	m.applyMutes()
}

// MuteMap returns a copy of the current name to muted mapping.
func (m *Mesh) MuteMap() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.muteMap))
	for k, v := range m.muteMap {
		out[k] = v
	}
	return out
}

func (m *Mesh) applyMutes() {
	m.mu.Lock()
	mutes := make(map[string]bool, len(m.names))
	for id, name := range m.names {
		mutes[id] = m.muteMap[name]
	}
	m.mu.Unlock()

	for id, muted := range mutes {
		m.sinks.ApplyMute(id, muted)
	}
}

// SetMicrophoneEnabled mutes or unmutes the outbound track for every peer.
func (m *Mesh) SetMicrophoneEnabled(on bool) {
	m.mic.SetEnabled(on)
}

func (m *Mesh) MicrophoneEnabled() bool {
	return m.mic.Enabled()
}

// Events delivers connection phase changes. Slow readers miss events.
func (m *Mesh) Events() <-chan PhaseEvent {
	return m.events
}

// Peers lists every known peer with its name and mute state.
func (m *Mesh) Peers() []PeerStatus {
	peers := m.registry.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range peers {
		name := m.names[peers[i].ID]
		peers[i].Name = name
		peers[i].Muted = m.muteMap[name]
	}
	return peers
}

// Peer returns the negotiator for id, if any.
func (m *Mesh) Peer(id string) (*Negotiator, bool) {
	return m.registry.Get(id)
}

// Close tears down every connection and closes Events.
func (m *Mesh) Close() {
	m.registry.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

func (m *Mesh) attachSink(remoteID string, stream sink.Stream) {
	if err := m.sinks.Attach(remoteID, stream); err != nil {
		m.logger.Warn("failed to attach sink", "peer", remoteID, "error", err)
	}
}

func (m *Mesh) emit(ev PhaseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("dropping phase event", "peer", ev.PeerID, "phase", ev.Phase.String())
	}
}
