package mesh

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/sink"
)

// RegistryOptions wires a Registry to its collaborators.
type RegistryOptions struct {
	SelfID  string
	Media   LocalMedia
	Sender  Sender
	NewConn ConnFactory

	// OnTrack receives each remote audio stream.
	OnTrack func(remoteID string, stream sink.Stream)
	// OnPhase receives every connection phase change.
	OnPhase func(PhaseEvent)
	// OnRemoved runs after a peer's connection has been released.
	OnRemoved func(remoteID string)

	Logger *slog.Logger
}

// Registry owns one Negotiator per remote peer and decides when they are
// created and retired.
type Registry struct {
	opts   RegistryOptions
	logger *slog.Logger

	mu     sync.Mutex
	peers  map[string]*Negotiator
	closed bool
}

func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:   opts,
		logger: logging.Or(opts.Logger).With("component", "mesh", "self", opts.SelfID),
		peers:  make(map[string]*Negotiator),
	}
}

// Ensure returns the live negotiator for remoteID, creating one if there is
// none or the existing one has closed.
func (r *Registry) Ensure(remoteID string) (*Negotiator, error) {
	switch remoteID {
	case "":
		return nil, newError("ensure", remoteID, ErrInvalidPeer)
	case r.opts.SelfID:
		return nil, newError("ensure", remoteID, ErrSelfConnect)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, newError("ensure", remoteID, ErrMeshClosed)
	}
	if n, ok := r.peers[remoteID]; ok && !n.Closed() {
		return n, nil
	}

	n, err := newNegotiator(r.opts.SelfID, remoteID, r.opts.NewConn, r.opts.Media, r.opts.Sender, hooks{
		onTrack:    r.opts.OnTrack,
		onPhase:    r.opts.OnPhase,
		onTerminal: r.retire,
	}, r.logger)
	if err != nil {
		return nil, err
	}
	r.peers[remoteID] = n
	r.logger.Debug("peer added", "peer", remoteID, "role", n.Role().String())
	return n, nil
}

// Get returns the entry for remoteID, live or not.
func (r *Registry) Get(remoteID string) (*Negotiator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.peers[remoteID]
	return n, ok
}

// Remove closes and forgets remoteID. Unknown ids are fine.
func (r *Registry) Remove(remoteID string) {
	r.mu.Lock()
	n, ok := r.peers[remoteID]
	delete(r.peers, remoteID)
	r.mu.Unlock()

	if ok {
		if err := n.Close(); err != nil {
			r.logger.Warn("close failed", "peer", remoteID, "error", err)
		}
		r.logger.Info("peer removed", "peer", remoteID)
	}
	if r.opts.OnRemoved != nil {
		r.opts.OnRemoved(remoteID)
	}
}

// retire removes n after its transport ended. A newer entry for the same id
// is left alone.
func (r *Registry) retire(n *Negotiator) {
	r.mu.Lock()
	current, ok := r.peers[n.RemoteID()]
	owned := !ok || current == n
	if ok && current == n {
		delete(r.peers, n.RemoteID())
	}
	r.mu.Unlock()

	if err := n.Close(); err != nil {
		r.logger.Warn("close failed", "peer", n.RemoteID(), "error", err)
	}
	if owned && r.opts.OnRemoved != nil {
		r.opts.OnRemoved(n.RemoteID())
	}
}

// SyncRoster creates entries for roster members that lack a live one. Peers
// missing from the roster are kept; they go away when their transport does.
func (r *Registry) SyncRoster(ids []string) error {
	var errs []error
	for _, id := range ids {
		if id == r.opts.SelfID {
			continue
		}
		if _, err := r.Ensure(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot lists every entry, ordered by peer id.
func (r *Registry) Snapshot() []PeerStatus {
	r.mu.Lock()
	peers := make([]*Negotiator, 0, len(r.peers))
	for _, n := range r.peers {
		peers = append(peers, n)
	}
	r.mu.Unlock()

	out := make([]PeerStatus, 0, len(peers))
	for _, n := range peers {
		out = append(out, n.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases every peer. Ensure fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	peers := r.peers
	r.peers = make(map[string]*Negotiator)
	r.mu.Unlock()

	for id, n := range peers {
		if err := n.Close(); err != nil {
			r.logger.Warn("close failed", "peer", id, "error", err)
		}
		if r.opts.OnRemoved != nil {
			r.opts.OnRemoved(id)
		}
	}
}
