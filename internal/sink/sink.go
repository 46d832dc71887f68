package sink

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// Sink drains the current stream of one remote peer into its player.
type Sink struct {
	remoteID string
	player   Player
	logger   *slog.Logger

	mu     sync.Mutex
	gen    uint64
	closed bool

	// playMu serializes player writes with each other and with Close.
	playMu sync.Mutex

	muted   atomic.Bool
	played  atomic.Uint64
	dropped atomic.Uint64
}

func newSink(remoteID string, player Player, logger *slog.Logger) *Sink {
	return &Sink{
		remoteID: remoteID,
		player:   player,
		logger:   logger.With("peer", remoteID),
	}
}

func (s *Sink) RemoteID() string { return s.remoteID }

func (s *Sink) Muted() bool { return s.muted.Load() }

// Volume is 0 while muted and 1 otherwise.
func (s *Sink) Volume() float64 {
	if s.muted.Load() {
		return 0
	}
	return 1
}

// Played counts packets handed to the player.
func (s *Sink) Played() uint64 { return s.played.Load() }

// Dropped counts packets discarded while muted.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) setMuted(muted bool) { s.muted.Store(muted) }

func (s *Sink) bind(stream Stream) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.drain(stream, gen)
}

func (s *Sink) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.gen == gen
}

// drain keeps reading even while muted so the transport never backs up.
func (s *Sink) drain(stream Stream, gen uint64) {
	for {
		pkt, err := stream.ReadRTP()
		if err != nil {
			s.logger.Debug("remote stream ended", "error", err)
			return
		}
		if s.muted.Load() {
			if !s.current(gen) {
				return
			}
			s.dropped.Add(1)
			continue
		}
		if !s.play(pkt, gen) {
			return
		}
	}
}

// play writes pkt unless the sink closed or was rebound.
func (s *Sink) play(pkt *rtp.Packet, gen uint64) bool {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	if !s.current(gen) {
		return false
	}
	if err := s.player.WriteRTP(pkt); err != nil {
		s.logger.Debug("player write", "error", err)
		return true
	}
	s.played.Add(1)
	return true
}

func (s *Sink) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// waits out a write in progress; later writes see closed
	s.playMu.Lock()
	defer s.playMu.Unlock()
	if err := s.player.Close(); err != nil {
		s.logger.Debug("player close", "error", err)
	}
}
