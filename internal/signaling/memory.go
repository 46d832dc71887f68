package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownPeer = errors.New("no such peer on relay")

// MemoryRelay is an in-process relay. Each endpoint gets its own delivery
// goroutine, so messages from one sender reach a receiver in send order and
// a handler that sends while handling never blocks another endpoint.
type MemoryRelay struct {
	mu        sync.Mutex
	cond      *sync.Cond
	endpoints map[string]*MemoryEndpoint
	paused    bool
	sent      map[string]int
}

func NewMemoryRelay() *MemoryRelay {
	r := &MemoryRelay{
		endpoints: make(map[string]*MemoryEndpoint),
		sent:      make(map[string]int),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// MemoryEndpoint is one participant attached to a MemoryRelay.
type MemoryEndpoint struct {
	id      string
	relay   *MemoryRelay
	deliver func(*Envelope)
	queue   []*Envelope
	closed  bool
	busy    bool
}

// Endpoint attaches id to the relay. deliver runs on the endpoint's own
// goroutine, one envelope at a time.
func (r *MemoryRelay) Endpoint(id string, deliver func(*Envelope)) *MemoryEndpoint {
	e := &MemoryEndpoint{id: id, relay: r, deliver: deliver}

	r.mu.Lock()
	r.endpoints[id] = e
	r.mu.Unlock()

	go e.run()
	return e
}

// Pause holds every delivery until Resume; sends keep queueing.
func (r *MemoryRelay) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *MemoryRelay) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Sent counts envelopes of the given type accepted by the relay.
func (r *MemoryRelay) Sent(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[typ]
}

// Idle reports whether nothing is queued or being delivered.
func (r *MemoryRelay) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.endpoints {
		if len(e.queue) > 0 || e.busy {
			return false
		}
	}
	return true
}

// ID returns the endpoint's peer id.
func (e *MemoryEndpoint) ID() string { return e.id }

// Send routes a negotiation envelope to its toId, stamping fromId with the
// sender's id the way the websocket relay does.
func (e *MemoryEndpoint) Send(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p, err := env.Signal()
	if err != nil {
		return err
	}
	p.FromID = e.id
	out, err := New(env.Type, p)
	if err != nil {
		return err
	}

	r := e.relay
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.closed {
		return ErrClientClosed
	}
	target, ok := r.endpoints[p.ToID]
	if !ok || target.closed {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, p.ToID)
	}
	target.queue = append(target.queue, out)
	r.sent[env.Type]++
	r.cond.Broadcast()
	return nil
}

// Close detaches the endpoint. Queued envelopes are dropped.
func (e *MemoryEndpoint) Close() {
	r := e.relay
	r.mu.Lock()
	e.closed = true
	e.queue = nil
	if r.endpoints[e.id] == e {
		delete(r.endpoints, e.id)
	}
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (e *MemoryEndpoint) run() {
	r := e.relay
	for {
		r.mu.Lock()
		for !e.closed && (r.paused || len(e.queue) == 0) {
			r.cond.Wait()
		}
		if e.closed {
			r.mu.Unlock()
			return
		}
		env := e.queue[0]
		e.queue = e.queue[1:]
		e.busy = true
		r.mu.Unlock()

		e.deliver(env)

		r.mu.Lock()
		e.busy = false
		r.mu.Unlock()
	}
}
