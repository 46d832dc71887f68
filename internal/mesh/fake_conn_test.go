package mesh

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is a deterministic stand-in for a peer connection. It enforces
// pion's signaling transitions, including its refusal of every rollback
// unless rollbackOK is set, and reports closed from Close as pion does. In
// auto mode it also fires the callbacks a real connection would: negotiation
// needed when a track is not yet negotiated, a local candidate after every
// local description, connected once an exchange completes, and the remote
// track when the remote side sends audio.
type fakeConn struct {
	label string
	h     ConnHandlers
	auto  bool

	// nnMu coalesces negotiation-needed firings.
	nnMu sync.Mutex

	mu            sync.Mutex
	state         webrtc.SignalingState
	seq           int
	lastOffer     string
	lastAnswer    string
	pendingLocal  *webrtc.SessionDescription
	pendingRemote *webrtc.SessionDescription
	currentLocal  *webrtc.SessionDescription
	currentRemote *webrtc.SessionDescription
	track         webrtc.TrackLocal
	attaches      int
	applied       []string
	rollbacks     int
	setRemotes    int
	closes        int
	connected     bool
	trackFired    bool
	failOffer     error
	rollbackOK    bool

	stream *chanStream
}

func newFakeConn(label string, h ConnHandlers, auto bool) *fakeConn {
	return &fakeConn{
		label:  label,
		h:      h,
		auto:   auto,
		state:  webrtc.SignalingStateStable,
		stream: newChanStream(),
	}
}

func hasAudio(d *webrtc.SessionDescription) bool {
	return d != nil && strings.HasSuffix(d.SDP, "audio=true")
}

func (c *fakeConn) describe(kind string) string {
	c.seq++
	return fmt.Sprintf("%s %s-%d audio=%t", kind, c.label, c.seq, c.track != nil)
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == webrtc.SignalingStateClosed:
		return webrtc.SessionDescription{}, errFakeClosed
	case c.failOffer != nil:
		return webrtc.SessionDescription{}, c.failOffer
	case c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveLocalOffer:
		return webrtc.SessionDescription{}, fmt.Errorf("create offer in %s", c.state)
	}
	c.lastOffer = c.describe("offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.lastOffer}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", c.state)
	}
	c.lastAnswer = c.describe("answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: c.lastAnswer}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	stable := false
	switch {
	case c.state == webrtc.SignalingStateClosed:
		c.mu.Unlock()
		return errFakeClosed

	case d.Type == webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable && c.state != webrtc.SignalingStateHaveLocalOffer {
			c.mu.Unlock()
			return fmt.Errorf("set local offer in %s", c.state)
		}
		if d.SDP != c.lastOffer {
			c.mu.Unlock()
			return fmt.Errorf("set local offer: %q is not the last offer", d.SDP)
		}
		c.pendingLocal = &d
		c.state = webrtc.SignalingStateHaveLocalOffer

	case d.Type == webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveRemoteOffer {
			c.mu.Unlock()
			return fmt.Errorf("set local answer in %s", c.state)
		}
		if d.SDP != c.lastAnswer {
			c.mu.Unlock()
			return fmt.Errorf("set local answer: %q is not the last answer", d.SDP)
		}
		c.currentLocal = &d
		c.currentRemote = c.pendingRemote
		c.pendingRemote = nil
		c.state = webrtc.SignalingStateStable
		stable = true

	default:
		c.mu.Unlock()
		return fmt.Errorf("set local %s", d.Type)
	}
	c.mu.Unlock()

	c.gather(d.SDP)
	if stable {
		c.settle()
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	c.setRemotes++
	stable := false
	switch {
	case c.state == webrtc.SignalingStateClosed:
		c.mu.Unlock()
		return errFakeClosed

	case d.Type == webrtc.SDPTypeOffer:
		if c.state != webrtc.SignalingStateStable {
			c.mu.Unlock()
			return fmt.Errorf("set remote offer in %s", c.state)
		}
		c.pendingRemote = &d
		c.state = webrtc.SignalingStateHaveRemoteOffer

	case d.Type == webrtc.SDPTypeAnswer:
		if c.state != webrtc.SignalingStateHaveLocalOffer {
			c.mu.Unlock()
			return fmt.Errorf("set remote answer in %s", c.state)
		}
		c.currentLocal = c.pendingLocal
		c.pendingLocal = nil
		c.currentRemote = &d
		c.state = webrtc.SignalingStateStable
		stable = true

	default:
		c.mu.Unlock()
		return fmt.Errorf("set remote %s", d.Type)
	}
	c.mu.Unlock()

	if stable {
		c.settle()
	}
	return nil
}

func (c *fakeConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollbacks++
	switch {
	case c.state == webrtc.SignalingStateClosed:
		return errFakeClosed
	case c.state == webrtc.SignalingStateStable:
		return errors.New("can't rollback from stable state")
	case !c.rollbackOK:
		return fmt.Errorf("invalid proposed signaling state transition: %s->SetLocal(rollback)->stable", c.state)
	}

	switch c.state {
	case webrtc.SignalingStateHaveLocalOffer:
		c.pendingLocal = nil
	case webrtc.SignalingStateHaveRemoteOffer:
		c.pendingRemote = nil
	}
	c.state = webrtc.SignalingStateStable
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingRemote != nil || c.currentRemote != nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingRemote == nil && c.currentRemote == nil {
		return errors.New("candidate before remote description")
	}
	if cand.Candidate == "bad" {
		return errors.New("unparseable candidate")
	}
	c.applied = append(c.applied, cand.Candidate)
	return nil
}

func (c *fakeConn) AttachTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	if c.state == webrtc.SignalingStateClosed {
		c.mu.Unlock()
		return errFakeClosed
	}
	changed := c.track != track
	c.track = track
	c.attaches++
	c.mu.Unlock()

	if changed {
		c.scheduleNegotiation()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	first := c.closes == 1
	c.state = webrtc.SignalingStateClosed
	c.mu.Unlock()

	if first {
		c.stream.close()
		if c.h.StateChange != nil {
			go c.h.StateChange(PhaseClosed)
		}
	}
	return nil
}

// Fail reports a transport failure the way the native connection would.
func (c *fakeConn) Fail() {
	c.h.StateChange(PhaseFailed)
}

func (c *fakeConn) snapshot() fakeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fakeState{
		state:      c.state,
		applied:    append([]string(nil), c.applied...),
		rollbacks:  c.rollbacks,
		setRemotes: c.setRemotes,
		closes:     c.closes,
		attaches:   c.attaches,
		negotiated: c.currentLocal != nil && c.currentRemote != nil,
	}
}

type fakeState struct {
	state      webrtc.SignalingState
	applied    []string
	rollbacks  int
	setRemotes int
	closes     int
	attaches   int
	negotiated bool
}

func (c *fakeConn) gather(sdp string) {
	if !c.auto || c.h.LocalCandidate == nil {
		return
	}
	go c.h.LocalCandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + sdp})
}

func (c *fakeConn) settle() {
	if !c.auto {
		return
	}

	c.mu.Lock()
	if c.state == webrtc.SignalingStateClosed {
		c.mu.Unlock()
		return
	}
	connect := !c.connected && c.currentLocal != nil && c.currentRemote != nil
	if connect {
		c.connected = true
	}
	track := !c.trackFired && hasAudio(c.currentRemote)
	if track {
		c.trackFired = true
	}
	c.mu.Unlock()

	if connect && c.h.StateChange != nil {
		go func() {
			c.h.StateChange(PhaseConnecting)
			c.h.StateChange(PhaseConnected)
		}()
	}
	if track && c.h.RemoteTrack != nil {
		go c.h.RemoteTrack(c.stream)
	}
	c.scheduleNegotiation()
}

func (c *fakeConn) needsNegotiation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == webrtc.SignalingStateStable && c.track != nil && !hasAudio(c.currentLocal)
}

func (c *fakeConn) scheduleNegotiation() {
	if !c.auto || c.h.NegotiationNeeded == nil {
		return
	}
	go func() {
		c.nnMu.Lock()
		defer c.nnMu.Unlock()
		if c.needsNegotiation() {
			c.h.NegotiationNeeded()
		}
	}()
}

// chanStream is a remote track that yields packets pushed into it.
type chanStream struct {
	packets chan *rtp.Packet
	done    chan struct{}
	once    sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{
		packets: make(chan *rtp.Packet, 16),
		done:    make(chan struct{}),
	}
}

func (s *chanStream) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-s.packets:
		return p, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *chanStream) close() {
	s.once.Do(func() { close(s.done) })
}

// connSet records the fake connections a factory hands out.
type connSet struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func (s *connSet) factory(self string, auto bool) ConnFactory {
	return func(remoteID string, h ConnHandlers) (Conn, error) {
		c := newFakeConn(self+"->"+remoteID, h, auto)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.conns == nil {
			s.conns = make(map[string][]*fakeConn)
		}
		s.conns[remoteID] = append(s.conns[remoteID], c)
		return c, nil
	}
}

// latest returns the newest connection opened to remoteID.
func (s *connSet) latest(remoteID string) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.conns[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (s *connSet) first(remoteID string) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns[remoteID]) == 0 {
		return nil
	}
	return s.conns[remoteID][0]
}

func (s *connSet) count(remoteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[remoteID])
}
