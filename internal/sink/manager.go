// Package sink plays remote audio, one sink per remote peer.
package sink

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/pion/rtp"
)

// Stream is the receiving side of one remote audio track.
type Stream interface {
	ReadRTP() (*rtp.Packet, error)
}

// Player renders the packets of one remote peer.
type Player interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// PlayerFactory creates the player for a newly seen remote peer.
type PlayerFactory func(remoteID string) (Player, error)

// Manager keeps the sinks keyed by remote peer id. Mute settings made before
// a peer's audio arrives are remembered and applied when its sink appears.
type Manager struct {
	newPlayer PlayerFactory
	logger    *slog.Logger

	mu    sync.Mutex
	sinks map[string]*Sink
	muted map[string]bool
}

func NewManager(newPlayer PlayerFactory, logger *slog.Logger) *Manager {
	if newPlayer == nil {
		newPlayer = Discard
	}
	return &Manager{
		newPlayer: newPlayer,
		logger:    logging.Or(logger).With("component", "sink"),
		sinks:     make(map[string]*Sink),
		muted:     make(map[string]bool),
	}
}

// Attach binds stream to the sink for remoteID, creating the sink on first use.
// A later stream for the same peer replaces the earlier one.
func (m *Manager) Attach(remoteID string, stream Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sinks[remoteID]
	if !ok {
		player, err := m.newPlayer(remoteID)
		if err != nil {
			return err
		}
		s = newSink(remoteID, player, m.logger)
		s.setMuted(m.muted[remoteID])
		m.sinks[remoteID] = s
		m.logger.Debug("sink created", "peer", remoteID)
	}
	s.bind(stream)
	return nil
}

// Detach stops and removes the sink for remoteID. Unknown ids are ignored.
func (m *Manager) Detach(remoteID string) {
	m.mu.Lock()
	s, ok := m.sinks[remoteID]
	delete(m.sinks, remoteID)
	m.mu.Unlock()

	if ok {
		s.close()
		m.logger.Debug("sink removed", "peer", remoteID)
	}
}

// ApplyMute silences or restores playback for remoteID without touching the
// connection.
func (m *Manager) ApplyMute(remoteID string, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.muted[remoteID] = muted
	if s, ok := m.sinks[remoteID]; ok {
		s.setMuted(muted)
	}
}

// Get returns the live sink for remoteID.
func (m *Manager) Get(remoteID string) (*Sink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sinks[remoteID]
	return s, ok
}

// IDs lists remote ids with a live sink, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sinks))
	for id := range m.sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close detaches every sink.
func (m *Manager) Close() {
	for _, id := range m.IDs() {
		m.Detach(id)
	}
}
