package mesh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/Huddle/internal/media"
	"github.com/BioHazard786/Huddle/internal/signaling"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(media.OpusCapability, "audio", "test")
	require.NoError(t, err)
	return track
}

type staticMedia struct {
	track webrtc.TrackLocal
}

func (m staticMedia) Acquire(context.Context) (webrtc.TrackLocal, error) {
	return m.track, nil
}

// gatedMedia blocks Acquire until release is closed.
type gatedMedia struct {
	track   webrtc.TrackLocal
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *gatedMedia) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	m.once.Do(func() { close(m.entered) })
	select {
	case <-m.release:
		return m.track, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*signaling.Envelope
}

func (s *recordingSender) Send(ctx context.Context, env *signaling.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) of(typ string) []*signaling.SignalPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*signaling.SignalPayload
	for _, env := range s.sent {
		if env.Type != typ {
			continue
		}
		p, err := env.Signal()
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

func (s *recordingSender) last(t *testing.T, typ string) webrtc.SessionDescription {
	t.Helper()
	list := s.of(typ)
	require.NotEmpty(t, list, "no %s sent", typ)
	require.NotNil(t, list[len(list)-1].SDP)
	return *list[len(list)-1].SDP
}

type testPeer struct {
	n *Negotiator
	// conn is the first connection opened; replacements go to opened.
	conn   *fakeConn
	opened []*fakeConn
	connMu sync.Mutex
	sender *recordingSender
	events []PhaseEvent
	evMu   sync.Mutex
}

func (p *testPeer) phases() []ConnectionPhase {
	p.evMu.Lock()
	defer p.evMu.Unlock()
	out := make([]ConnectionPhase, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Phase)
	}
	return out
}

// latest is the connection the negotiator currently drives.
func (p *testPeer) latest() *fakeConn {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.opened[len(p.opened)-1]
}

func (p *testPeer) connCount() int {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return len(p.opened)
}

func newTestPeer(t *testing.T, self, remote string, m LocalMedia, h hooks) *testPeer {
	t.Helper()
	p := &testPeer{sender: &recordingSender{}}
	if h.onPhase == nil {
		h.onPhase = func(ev PhaseEvent) {
			p.evMu.Lock()
			p.events = append(p.events, ev)
			p.evMu.Unlock()
		}
	}
	factory := func(remoteID string, ch ConnHandlers) (Conn, error) {
		c := newFakeConn(self+"->"+remoteID, ch, false)
		p.connMu.Lock()
		defer p.connMu.Unlock()
		if p.conn == nil {
			p.conn = c
		}
		p.opened = append(p.opened, c)
		return c, nil
	}

	n, err := newNegotiator(self, remote, factory, m, p.sender, h, discardLogger())
	require.NoError(t, err)
	p.n = n
	t.Cleanup(func() { _ = n.Close() })
	return p
}

func TestRoleForIsComplement(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"a", "b"},
		{"peer-10", "peer-9"},
		{"Zed", "abe"},
		{"", "x"},
	}
	for i := 0; i < 50; i++ {
		pairs = append(pairs, [2]string{uuid.NewString(), uuid.NewString()})
	}

	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		assert.NotEqual(t, RoleFor(a, b), RoleFor(b, a), "%q vs %q", a, b)
		assert.Equal(t, a > b, RoleFor(a, b) == Polite, "%q vs %q", a, b)
	}

	assert.Equal(t, Polite, RoleFor("bob", "alice"))
	assert.Equal(t, Impolite, RoleFor("alice", "bob"))
	assert.Equal(t, "polite", Polite.String())
	assert.Equal(t, "impolite", Impolite.String())
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx := context.Background()
	track := testTrack(t)
	alice := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})
	bob := newTestPeer(t, "bob", "alice", staticMedia{track}, hooks{})

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	assert.Equal(t, HaveLocalOffer, alice.n.SignalingPhase())

	offers := alice.sender.of(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].ToID)
	assert.Equal(t, "alice", offers[0].FromID)
	assert.Equal(t, 1, alice.conn.snapshot().attaches)

	require.NoError(t, bob.n.OnRemoteOffer(ctx, *offers[0].SDP))
	assert.Equal(t, Stable, bob.n.SignalingPhase())

	answers := bob.sender.of(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "alice", answers[0].ToID)

	require.NoError(t, alice.n.OnRemoteAnswer(ctx, *answers[0].SDP))
	assert.Equal(t, Stable, alice.n.SignalingPhase())

	assert.True(t, alice.conn.snapshot().negotiated)
	assert.True(t, bob.conn.snapshot().negotiated)

	// a second renegotiation is allowed once stable again
	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	assert.Len(t, alice.sender.of(signaling.TypeOffer), 2)
}

func TestRenegotiationSkippedWhileBusy(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, "alice", "bob", staticMedia{testTrack(t)}, hooks{})

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))

	assert.Len(t, alice.sender.of(signaling.TypeOffer), 1)
	assert.Equal(t, HaveLocalOffer, alice.n.SignalingPhase())
}

func TestGlareConverges(t *testing.T) {
	ctx := context.Background()

	orders := map[string]bool{
		"polite receives first":   true,
		"impolite receives first": false,
	}
	for name, politeFirst := range orders {
		t.Run(name, func(t *testing.T) {
			track := testTrack(t)
			// bob > alice, so bob is polite
			alice := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})
			bob := newTestPeer(t, "bob", "alice", staticMedia{track}, hooks{})
			require.Equal(t, Impolite, alice.n.Role())
			require.Equal(t, Polite, bob.n.Role())

			require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
			require.NoError(t, bob.n.OnRenegotiationNeeded(ctx))
			aliceOffer := alice.sender.last(t, signaling.TypeOffer)
			bobOffer := bob.sender.last(t, signaling.TypeOffer)

			if politeFirst {
				require.NoError(t, bob.n.OnRemoteOffer(ctx, aliceOffer))
				require.NoError(t, alice.n.OnRemoteOffer(ctx, bobOffer))
			} else {
				require.NoError(t, alice.n.OnRemoteOffer(ctx, bobOffer))
				require.NoError(t, bob.n.OnRemoteOffer(ctx, aliceOffer))
			}

			// alice keeps its offer, bob drops its own and answers
			assert.Equal(t, HaveLocalOffer, alice.n.SignalingPhase())
			assert.Equal(t, Stable, bob.n.SignalingPhase())
			assert.Empty(t, alice.sender.of(signaling.TypeAnswer))
			require.Len(t, bob.sender.of(signaling.TypeAnswer), 1)

			require.NoError(t, alice.n.OnRemoteAnswer(ctx, bob.sender.last(t, signaling.TypeAnswer)))

			assert.Equal(t, Stable, alice.n.SignalingPhase())
			assert.Equal(t, Stable, bob.n.SignalingPhase())

			// the native rollback is refused, so bob answers on a fresh
			// connection carrying the same track
			require.Equal(t, 1, alice.connCount())
			require.Equal(t, 2, bob.connCount())
			old, fresh := bob.conn.snapshot(), bob.latest().snapshot()
			assert.Equal(t, 1, old.rollbacks)
			assert.Equal(t, 1, old.closes)
			assert.Equal(t, 1, fresh.attaches)
			assert.True(t, fresh.negotiated)
			assert.Equal(t, 1, fresh.setRemotes)

			a := alice.conn.snapshot()
			assert.Equal(t, 0, a.rollbacks)
			assert.Equal(t, 1, a.setRemotes, "impolite applies only the answer")
			assert.True(t, a.negotiated)

			// the old connection reporting closed does not tear bob down
			assert.Never(t, bob.n.Closed, 50*time.Millisecond, 5*time.Millisecond)
			assert.NotContains(t, bob.phases(), PhaseClosed)
		})
	}
}

func TestPoliteYieldsWhileStillMakingOffer(t *testing.T) {
	ctx := context.Background()
	track := testTrack(t)
	gate := &gatedMedia{track: track, entered: make(chan struct{}), release: make(chan struct{})}

	alice := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})
	bob := newTestPeer(t, "bob", "alice", gate, hooks{})

	done := make(chan error, 1)
	go func() { done <- bob.n.OnRenegotiationNeeded(ctx) }()
	<-gate.entered
	assert.Equal(t, MakingOffer, bob.n.SignalingPhase())

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))

	// bob's offer is still being prepared; the remote offer wins because bob is polite
	offer := alice.sender.last(t, signaling.TypeOffer)
	answered := make(chan error, 1)
	go func() { answered <- bob.n.OnRemoteOffer(ctx, offer) }()

	require.Eventually(t, func() bool {
		return bob.n.SignalingPhase() == HaveRemoteOffer
	}, time.Second, time.Millisecond)
	close(gate.release)

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, errAbandoned)
	require.NoError(t, <-answered)

	assert.Empty(t, bob.sender.of(signaling.TypeOffer))
	require.Len(t, bob.sender.of(signaling.TypeAnswer), 1)
	assert.Equal(t, 0, bob.conn.snapshot().rollbacks, "nothing native to roll back")

	require.NoError(t, alice.n.OnRemoteAnswer(ctx, bob.sender.last(t, signaling.TypeAnswer)))
	assert.Equal(t, Stable, alice.n.SignalingPhase())
	assert.Equal(t, Stable, bob.n.SignalingPhase())
}

func TestNativeRollbackKeepsConnection(t *testing.T) {
	ctx := context.Background()
	track := testTrack(t)
	alice := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})
	bob := newTestPeer(t, "bob", "alice", staticMedia{track}, hooks{})

	bob.conn.mu.Lock()
	bob.conn.rollbackOK = true
	bob.conn.mu.Unlock()

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	require.NoError(t, bob.n.OnRenegotiationNeeded(ctx))
	require.NoError(t, bob.n.OnRemoteOffer(ctx, alice.sender.last(t, signaling.TypeOffer)))
	require.NoError(t, alice.n.OnRemoteAnswer(ctx, bob.sender.last(t, signaling.TypeAnswer)))

	assert.Equal(t, 1, bob.connCount())
	b := bob.conn.snapshot()
	assert.Equal(t, 1, b.rollbacks)
	assert.Equal(t, 0, b.closes)
	assert.True(t, b.negotiated)
	assert.Equal(t, Stable, bob.n.SignalingPhase())
}

func TestReplacedConnectionGetsAppliedCandidates(t *testing.T) {
	ctx := context.Background()
	gate := &gatedMedia{track: testTrack(t), entered: make(chan struct{}), release: make(chan struct{})}
	bob := newTestPeer(t, "bob", "alice", gate, hooks{})
	require.Equal(t, Polite, bob.n.Role())

	bob.n.OnRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c1"})

	first := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer alice-1 audio=true"}
	second := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer alice-2 audio=true"}

	results := make(chan error, 2)
	go func() { results <- bob.n.OnRemoteOffer(ctx, first) }()
	<-gate.entered
	require.Equal(t, HaveRemoteOffer, bob.n.SignalingPhase())
	assert.Equal(t, []string{"c1"}, bob.conn.snapshot().applied)

	// a second offer while the first is unanswered replaces the connection
	go func() { results <- bob.n.OnRemoteOffer(ctx, second) }()
	require.Eventually(t, func() bool {
		return bob.connCount() == 2 && bob.latest().HasRemoteDescription()
	}, time.Second, time.Millisecond)
	close(gate.release)

	errs := []error{<-results, <-results}
	var abandoned int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, errAbandoned)
			abandoned++
		}
	}
	assert.Equal(t, 1, abandoned, "exactly one of the two offers is answered")
	require.Len(t, bob.sender.of(signaling.TypeAnswer), 1)

	fresh := bob.latest().snapshot()
	assert.Equal(t, []string{"c1"}, fresh.applied, "candidates follow the remote peer to the new connection")
	assert.True(t, fresh.negotiated)
	assert.Equal(t, 1, bob.conn.snapshot().closes)
	assert.Equal(t, Stable, bob.n.SignalingPhase())
}

func TestStaleAnswerIsIgnored(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, "alice", "bob", staticMedia{testTrack(t)}, hooks{})

	stale := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer old"}
	require.NoError(t, alice.n.OnRemoteAnswer(ctx, stale))

	assert.Equal(t, Stable, alice.n.SignalingPhase())
	assert.Equal(t, 0, alice.conn.snapshot().setRemotes)
	assert.False(t, alice.conn.HasRemoteDescription())
}

func TestEarlyCandidatesApplyAfterRemoteDescription(t *testing.T) {
	ctx := context.Background()
	track := testTrack(t)
	alice := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})
	bob := newTestPeer(t, "bob", "alice", staticMedia{track}, hooks{})

	bob.n.OnRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c1"})
	bob.n.OnRemoteCandidate(webrtc.ICECandidateInit{Candidate: "bad"})
	bob.n.OnRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c2"})

	assert.Empty(t, bob.conn.snapshot().applied)
	assert.Equal(t, 3, bob.n.Status().Pending)

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	require.NoError(t, bob.n.OnRemoteOffer(ctx, alice.sender.last(t, signaling.TypeOffer)))

	assert.Equal(t, []string{"c1", "c2"}, bob.conn.snapshot().applied, "in order, bad one skipped")
	assert.Equal(t, 0, bob.n.Status().Pending)
	assert.Len(t, bob.sender.of(signaling.TypeAnswer), 1, "a bad candidate does not abort")

	bob.n.OnRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c3"})
	assert.Equal(t, []string{"c1", "c2", "c3"}, bob.conn.snapshot().applied)
}

func TestAnswerFlushesQueuedCandidates(t *testing.T) {
	ctx := context.Background()
	track := testTrack(t)
	alice := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})
	bob := newTestPeer(t, "bob", "alice", staticMedia{track}, hooks{})

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	alice.n.OnRemoteCandidate(webrtc.ICECandidateInit{Candidate: "early"})
	assert.Empty(t, alice.conn.snapshot().applied)

	require.NoError(t, bob.n.OnRemoteOffer(ctx, alice.sender.last(t, signaling.TypeOffer)))
	require.NoError(t, alice.n.OnRemoteAnswer(ctx, bob.sender.last(t, signaling.TypeAnswer)))

	assert.Equal(t, []string{"early"}, alice.conn.snapshot().applied)
}

func TestCloseDuringAcquireSendsNothing(t *testing.T) {
	ctx := context.Background()

	t.Run("offer", func(t *testing.T) {
		gate := &gatedMedia{track: testTrack(t), entered: make(chan struct{}), release: make(chan struct{})}
		bob := newTestPeer(t, "bob", "alice", gate, hooks{})

		done := make(chan error, 1)
		go func() { done <- bob.n.OnRenegotiationNeeded(ctx) }()
		<-gate.entered

		require.NoError(t, bob.n.Close())
		close(gate.release)

		err := <-done
		assert.ErrorIs(t, err, ErrClosed)
		assert.Empty(t, bob.sender.of(signaling.TypeOffer))
		assert.Equal(t, SignalingClosed, bob.n.SignalingPhase())
		assert.Equal(t, 0, bob.conn.snapshot().attaches)
	})

	t.Run("answer", func(t *testing.T) {
		track := testTrack(t)
		alice := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})
		gate := &gatedMedia{track: track, entered: make(chan struct{}), release: make(chan struct{})}
		bob := newTestPeer(t, "bob", "alice", gate, hooks{})

		require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))

		offer := alice.sender.last(t, signaling.TypeOffer)
		done := make(chan error, 1)
		go func() { done <- bob.n.OnRemoteOffer(ctx, offer) }()
		<-gate.entered

		require.NoError(t, bob.n.Close())
		close(gate.release)

		assert.ErrorIs(t, <-done, ErrClosed)
		assert.Empty(t, bob.sender.of(signaling.TypeAnswer))
	})
}

func TestNegotiationFailureClearsMakingOffer(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, "alice", "bob", staticMedia{testTrack(t)}, hooks{})

	boom := errors.New("boom")
	alice.conn.mu.Lock()
	alice.conn.failOffer = boom
	alice.conn.mu.Unlock()

	err := alice.n.OnRenegotiationNeeded(ctx)
	require.ErrorIs(t, err, boom)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "create offer", opErr.Op)
	assert.Equal(t, "bob", opErr.Peer)
	assert.Equal(t, Stable, alice.n.SignalingPhase())

	alice.conn.mu.Lock()
	alice.conn.failOffer = nil
	alice.conn.mu.Unlock()

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	assert.Len(t, alice.sender.of(signaling.TypeOffer), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, "alice", "bob", staticMedia{testTrack(t)}, hooks{})

	require.NoError(t, alice.n.Close())
	require.NoError(t, alice.n.Close())

	assert.Equal(t, 1, alice.conn.snapshot().closes)
	assert.True(t, alice.n.Closed())
	assert.Equal(t, SignalingClosed, alice.n.SignalingPhase())
	assert.Equal(t, PhaseClosed, alice.n.ConnectionPhase())
	assert.Equal(t, []ConnectionPhase{PhaseClosed}, alice.phases())

	require.NoError(t, alice.n.OnRenegotiationNeeded(ctx))
	assert.Empty(t, alice.sender.of(signaling.TypeOffer))

	err := alice.n.OnRemoteOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer x"})
	assert.ErrorIs(t, err, ErrClosed)

	// phase changes after close are ignored
	alice.n.OnConnectionPhaseChanged(PhaseConnected)
	assert.Equal(t, PhaseClosed, alice.n.ConnectionPhase())
}

func TestTerminalPhaseTearsDown(t *testing.T) {
	for _, phase := range []ConnectionPhase{PhaseFailed, PhaseDisconnected, PhaseClosed} {
		t.Run(phase.String(), func(t *testing.T) {
			var retired *Negotiator
			p := newTestPeer(t, "alice", "bob", staticMedia{testTrack(t)}, hooks{
				onTerminal: func(n *Negotiator) {
					retired = n
					_ = n.Close()
				},
			})

			p.n.OnConnectionPhaseChanged(PhaseConnecting)
			p.n.OnConnectionPhaseChanged(phase)

			assert.Same(t, p.n, retired)
			assert.True(t, p.n.Closed())
			assert.Equal(t, 1, p.conn.snapshot().closes)
		})
	}

	t.Run("without registry", func(t *testing.T) {
		p := newTestPeer(t, "alice", "bob", staticMedia{testTrack(t)}, hooks{})
		p.n.OnConnectionPhaseChanged(PhaseConnected)
		p.n.OnConnectionPhaseChanged(PhaseFailed)

		assert.True(t, p.n.Closed())
		assert.Equal(t, []ConnectionPhase{PhaseConnected, PhaseFailed, PhaseClosed}, p.phases())
	})
}

func TestAttachLocalMediaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	track := testTrack(t)
	p := newTestPeer(t, "alice", "bob", staticMedia{track}, hooks{})

	require.NoError(t, p.n.AttachLocalMedia(ctx))
	require.NoError(t, p.n.AttachLocalMedia(ctx))

	p.conn.mu.Lock()
	attached := p.conn.track
	p.conn.mu.Unlock()
	assert.Equal(t, track, attached)
	assert.Equal(t, 2, p.conn.snapshot().attaches)
}

func TestStatus(t *testing.T) {
	p := newTestPeer(t, "bob", "alice", staticMedia{testTrack(t)}, hooks{})
	p.n.OnRemoteCandidate(webrtc.ICECandidateInit{Candidate: "c"})

	assert.Equal(t, PeerStatus{
		ID:         "alice",
		Role:       Polite,
		Signaling:  Stable,
		Connection: PhaseNew,
		Pending:    1,
	}, p.n.Status())
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "have-local-offer", HaveLocalOffer.String())
	assert.Equal(t, "making-offer", MakingOffer.String())
	assert.Equal(t, "connected", PhaseConnected.String())
	assert.True(t, PhaseDisconnected.Terminal())
	assert.False(t, PhaseConnecting.Terminal())
}

func TestOpErrorFormat(t *testing.T) {
	err := newError("set remote offer", "bob", ErrClosed)
	assert.Equal(t, "set remote offer bob: peer connection closed", err.Error())
	assert.ErrorIs(t, err, ErrClosed)

	err = newError("new mesh", "", ErrInvalidPeer)
	assert.Equal(t, "new mesh: invalid peer id", err.Error())
}
