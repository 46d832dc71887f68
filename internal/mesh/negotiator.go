package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BioHazard786/Huddle/internal/ice"
	"github.com/BioHazard786/Huddle/internal/signaling"
	"github.com/BioHazard786/Huddle/internal/sink"
	"github.com/pion/webrtc/v4"
)

// LocalMedia hands out the shared outbound audio track.
type LocalMedia interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, error)
}

// Sender delivers an envelope to the relay.
type Sender interface {
	Send(ctx context.Context, env *signaling.Envelope) error
}

type hooks struct {
	onTrack    func(remoteID string, stream sink.Stream)
	onPhase    func(PhaseEvent)
	onTerminal func(*Negotiator)
}

// Negotiator runs perfect negotiation against one remote peer.
//
// Two locks are involved. opMu serializes every call into the native
// connection and is held across a decision and the native call it guards.
// mu is a leaf lock over the flags and phases, so Close and Status never wait
// for a native call to finish. Lock order is opMu, then mu, then the
// candidate queue.
//
// conn is replaced only with both locks held. gen counts replacements and
// callbacks from an older connection are dropped.
type Negotiator struct {
	selfID   string
	remoteID string
	role     Role

	newConn ConnFactory
	conn    Conn
	track   webrtc.TrackLocal
	queue   ice.Queue
	applied []webrtc.ICECandidateInit // remote candidates conn has accepted
	media   LocalMedia
	sender  Sender
	hooks   hooks
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	opMu sync.Mutex

	mu          sync.Mutex
	gen         uint64
	makingOffer bool
	signaling   SignalingPhase
	connection  ConnectionPhase
	closed      bool
}

func newNegotiator(selfID, remoteID string, newConn ConnFactory, media LocalMedia, sender Sender, h hooks, logger *slog.Logger) (*Negotiator, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		selfID:   selfID,
		remoteID: remoteID,
		role:     RoleFor(selfID, remoteID),
		newConn:  newConn,
		media:    media,
		sender:   sender,
		hooks:    h,
		ctx:      ctx,
		cancel:   cancel,
	}
	n.logger = logger.With("peer", remoteID, "role", n.role.String())

	conn, err := newConn(remoteID, n.handlers(0))
	if err != nil {
		cancel()
		return nil, newError("open connection", remoteID, err)
	}
	n.conn = conn
	return n, nil
}

func (n *Negotiator) RemoteID() string { return n.remoteID }

func (n *Negotiator) Role() Role { return n.role }

func (n *Negotiator) SignalingPhase() SignalingPhase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.signaling
}

func (n *Negotiator) ConnectionPhase() ConnectionPhase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connection
}

// Closed reports whether Close has run.
func (n *Negotiator) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Status snapshots the negotiator for display.
func (n *Negotiator) Status() PeerStatus {
	pending := n.queue.Len()

	n.mu.Lock()
	defer n.mu.Unlock()
	return PeerStatus{
		ID:         n.remoteID,
		Role:       n.role,
		Signaling:  n.signaling,
		Connection: n.connection,
		Pending:    pending,
	}
}

// AttachLocalMedia attaches the shared microphone track. Attaching an already
// attached track does nothing, so this is safe to call repeatedly.
func (n *Negotiator) AttachLocalMedia(ctx context.Context) error {
	return n.attachLocalMedia(ctx)
}

// OnRenegotiationNeeded creates and sends an offer. It does nothing when the
// peer is closed, an offer is already being made, or another exchange is in
// progress.
func (n *Negotiator) OnRenegotiationNeeded(ctx context.Context) error {
	n.mu.Lock()
	if n.closed || n.makingOffer || n.signaling != Stable {
		n.mu.Unlock()
		return nil
	}
	n.makingOffer = true
	n.signaling = MakingOffer
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.makingOffer = false
		if n.signaling == MakingOffer {
			n.signaling = Stable
		}
		n.mu.Unlock()
	}()

	if err := n.attachLocalMedia(ctx); err != nil {
		return err
	}

	offer, err := n.prepareOffer()
	if err != nil {
		return err
	}
	// A polite rollback between preparing and sending makes this offer stale.
	if err := n.expect("send offer", HaveLocalOffer); err != nil {
		return err
	}

	n.logger.Debug("sending offer")
	return n.send(signaling.TypeOffer, &offer, nil)
}

func (n *Negotiator) prepareOffer() (webrtc.SessionDescription, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if err := n.expect("create offer", MakingOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := n.conn.CreateOffer()
	if err != nil {
		return offer, newError("create offer", n.remoteID, err)
	}
	if err := n.expect("set local offer", MakingOffer); err != nil {
		return offer, err
	}
	if err := n.conn.SetLocalDescription(offer); err != nil {
		return offer, newError("set local offer", n.remoteID, err)
	}
	return offer, n.advance("set local offer", MakingOffer, HaveLocalOffer)
}

// OnRemoteOffer applies an offer from the remote peer and answers it. On a
// collision the impolite side keeps its own offer and ignores this one; the
// polite side rolls its offer back first, replacing the native connection
// when it refuses the rollback.
func (n *Negotiator) OnRemoteOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	applied, err := n.acceptOffer(offer)
	if err != nil || !applied {
		return err
	}

	n.flushCandidates()

	if err := n.attachLocalMedia(ctx); err != nil {
		return err
	}

	answer, err := n.prepareAnswer()
	if err != nil {
		return err
	}
	if err := n.alive("send answer"); err != nil {
		return err
	}

	n.logger.Debug("sending answer")
	return n.send(signaling.TypeAnswer, &answer, nil)
}

func (n *Negotiator) acceptOffer(offer webrtc.SessionDescription) (bool, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false, newError("set remote offer", n.remoteID, ErrClosed)
	}
	phase := n.signaling
	collision := n.makingOffer || phase != Stable
	n.mu.Unlock()

	if collision {
		if n.role == Impolite {
			n.logger.Debug("ignoring colliding offer", "phase", phase.String())
			return false, nil
		}
		if phase == HaveLocalOffer || phase == HaveRemoteOffer {
			if err := n.conn.Rollback(); err != nil {
				// pion accepts no rollback transition; the pending
				// description is dropped along with the connection.
				n.logger.Debug("native rollback refused, replacing connection", "error", err)
				if err := n.replaceConn(); err != nil {
					return false, err
				}
			}
		}
		n.mu.Lock()
		if !n.closed {
			n.signaling = Stable
		}
		n.mu.Unlock()
		n.logger.Debug("rolled back for remote offer", "phase", phase.String())
	}

	if err := n.alive("set remote offer"); err != nil {
		return false, err
	}
	if err := n.conn.SetRemoteDescription(offer); err != nil {
		return false, newError("set remote offer", n.remoteID, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, newError("set remote offer", n.remoteID, ErrClosed)
	}
	n.signaling = HaveRemoteOffer
	return true, nil
}

func (n *Negotiator) prepareAnswer() (webrtc.SessionDescription, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if err := n.expect("create answer", HaveRemoteOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := n.conn.CreateAnswer()
	if err != nil {
		return answer, newError("create answer", n.remoteID, err)
	}
	if err := n.expect("set local answer", HaveRemoteOffer); err != nil {
		return answer, err
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		return answer, newError("set local answer", n.remoteID, err)
	}
	return answer, n.advance("set local answer", HaveRemoteOffer, Stable)
}

// OnRemoteAnswer completes our offer. Answers that arrive outside
// HaveLocalOffer are stale and dropped.
func (n *Negotiator) OnRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	applied, err := n.acceptAnswer(answer)
	if err != nil || !applied {
		return err
	}
	n.flushCandidates()
	return nil
}

func (n *Negotiator) acceptAnswer(answer webrtc.SessionDescription) (bool, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.Lock()
	closed, phase := n.closed, n.signaling
	n.mu.Unlock()

	if closed {
		return false, newError("set remote answer", n.remoteID, ErrClosed)
	}
	if phase != HaveLocalOffer {
		n.logger.Debug("discarding stale answer", "phase", phase.String())
		return false, nil
	}

	if err := n.conn.SetRemoteDescription(answer); err != nil {
		return false, newError("set remote answer", n.remoteID, err)
	}
	if err := n.advance("set remote answer", HaveLocalOffer, Stable); err != nil {
		return false, err
	}
	return true, nil
}

// OnRemoteCandidate queues c and applies the queue if the remote description
// it depends on is already in place.
func (n *Negotiator) OnRemoteCandidate(c webrtc.ICECandidateInit) {
	if n.Closed() {
		return
	}
	n.queue.Enqueue(c)
	n.flushCandidates()
}

func (n *Negotiator) flushCandidates() {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.Closed() || !n.conn.HasRemoteDescription() {
		return
	}
	count, err := n.queue.Flush(func(c webrtc.ICECandidateInit) error {
		if err := n.conn.AddICECandidate(c); err != nil {
			return err
		}
		n.applied = append(n.applied, c)
		return nil
	})
	if err != nil {
		n.logger.Warn("candidate rejected", "error", err)
	}
	if count > 0 {
		n.logger.Debug("applied candidates", "count", count)
	}
}

// OnConnectionPhaseChanged records a transport state change. A terminal phase
// tears the peer down.
func (n *Negotiator) OnConnectionPhaseChanged(phase ConnectionPhase) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.connection = phase
	n.mu.Unlock()

	n.logger.Debug("connection phase", "phase", phase.String())
	n.emit(phase)

	if !phase.Terminal() {
		return
	}
	n.logger.Info("peer connection ended", "phase", phase.String())
	if n.hooks.onTerminal != nil {
		n.hooks.onTerminal(n)
		return
	}
	_ = n.Close()
}

// Close releases the native connection. Operations in flight notice at their
// next step and stop without sending anything. Safe to call more than once.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.signaling = SignalingClosed
	n.connection = PhaseClosed
	conn := n.conn
	n.mu.Unlock()

	n.cancel()
	n.emit(PhaseClosed)

	if err := conn.Close(); err != nil {
		return newError("close", n.remoteID, err)
	}
	return nil
}

func (n *Negotiator) attachLocalMedia(ctx context.Context) error {
	if n.media == nil {
		return nil
	}
	track, err := n.media.Acquire(ctx)
	if err != nil {
		return newError("acquire media", n.remoteID, err)
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	if err := n.alive("attach media"); err != nil {
		return err
	}
	if err := n.conn.AttachTrack(track); err != nil {
		return newError("attach media", n.remoteID, err)
	}
	n.track = track
	return nil
}

// replaceConn closes the native connection and opens a fresh one carrying
// the same track, dropping whatever description the old one had pending.
// The caller holds opMu.
func (n *Negotiator) replaceConn() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return newError("replace connection", n.remoteID, ErrClosed)
	}
	n.gen++
	gen, old := n.gen, n.conn
	n.mu.Unlock()

	if err := old.Close(); err != nil {
		n.logger.Debug("close replaced connection", "error", err)
	}

	conn, err := n.newConn(n.remoteID, n.handlers(gen))
	if err != nil {
		return newError("replace connection", n.remoteID, err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = conn.Close()
		return newError("replace connection", n.remoteID, ErrClosed)
	}
	n.conn = conn
	n.connection = PhaseNew
	n.mu.Unlock()

	n.queue.Requeue(n.applied)
	n.applied = nil

	if n.track != nil {
		if err := conn.AttachTrack(n.track); err != nil {
			return newError("attach media", n.remoteID, err)
		}
	}
	return nil
}

// handlers binds native callbacks to connection generation gen.
func (n *Negotiator) handlers(gen uint64) ConnHandlers {
	return ConnHandlers{
		NegotiationNeeded: func() {
			if n.current(gen) {
				n.negotiationNeeded()
			}
		},
		LocalCandidate: func(c webrtc.ICECandidateInit) {
			if n.current(gen) {
				n.sendCandidate(c)
			}
		},
		RemoteTrack: func(stream sink.Stream) {
			if n.current(gen) {
				n.remoteTrack(stream)
			}
		},
		StateChange: func(phase ConnectionPhase) {
			if n.current(gen) {
				n.OnConnectionPhaseChanged(phase)
			}
		},
	}
}

func (n *Negotiator) current(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen == gen
}

func (n *Negotiator) negotiationNeeded() {
	err := n.OnRenegotiationNeeded(n.ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed), errors.Is(err, errAbandoned):
		n.logger.Debug("offer dropped", "error", err)
	default:
		n.logger.Warn("negotiation failed", "error", err)
	}
}

func (n *Negotiator) sendCandidate(c webrtc.ICECandidateInit) {
	if n.Closed() {
		return
	}
	if err := n.send(signaling.TypeCandidate, nil, &c); err != nil && !n.Closed() {
		n.logger.Warn("failed to send candidate", "error", err)
	}
}

func (n *Negotiator) remoteTrack(stream sink.Stream) {
	if n.Closed() || n.hooks.onTrack == nil {
		return
	}
	n.logger.Debug("remote audio arrived")
	n.hooks.onTrack(n.remoteID, stream)
}

func (n *Negotiator) send(typ string, sdp *webrtc.SessionDescription, c *webrtc.ICECandidateInit) error {
	env, err := signaling.New(typ, signaling.SignalPayload{
		ToID:      n.remoteID,
		FromID:    n.selfID,
		SDP:       sdp,
		Candidate: c,
	})
	if err != nil {
		return newError("send "+typ, n.remoteID, err)
	}
	if err := n.sender.Send(n.ctx, env); err != nil {
		return newError("send "+typ, n.remoteID, err)
	}
	return nil
}

func (n *Negotiator) emit(phase ConnectionPhase) {
	if n.hooks.onPhase != nil {
		n.hooks.onPhase(PhaseEvent{PeerID: n.remoteID, Phase: phase})
	}
}

func (n *Negotiator) alive(op string) error {
	if n.Closed() {
		return newError(op, n.remoteID, ErrClosed)
	}
	return nil
}

// expect fails when the peer closed or moved away from phase while the
// caller was suspended.
func (n *Negotiator) expect(op string, phase SignalingPhase) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return newError(op, n.remoteID, ErrClosed)
	}
	if n.signaling != phase {
		return newError(op, n.remoteID, errAbandoned)
	}
	return nil
}

func (n *Negotiator) advance(op string, from, to SignalingPhase) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return newError(op, n.remoteID, ErrClosed)
	}
	if n.signaling != from {
		return newError(op, n.remoteID, errAbandoned)
	}
	n.signaling = to
	return nil
}
