package signaling

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BioHazard786/Huddle/internal/logging"
)

// Dispatcher consumes offer, answer and candidate envelopes.
type Dispatcher interface {
	HandleSignal(ctx context.Context, env *Envelope) error
}

// Inbox is anything that yields inbound envelopes, such as a Client.
type Inbox interface {
	Incoming() <-chan *Envelope
}

// Handler routes incoming envelopes: negotiation traffic goes to the
// dispatcher, relay traffic to the exported channels.
//
// Each sender gets its own lane. Envelopes from one peer are dispatched one
// at a time in arrival order, and a slow peer never holds up the others.
type Handler struct {
	inbox    Inbox
	dispatch Dispatcher
	logger   *slog.Logger

	Joined chan *RosterPayload
	Roster chan *RosterPayload
	Error  chan string

	// lanes holds the envelopes waiting per sender. A key is present while
	// that sender's lane goroutine runs.
	lanesMu sync.Mutex
	lanes   map[string][]*Envelope
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewHandler creates a new message handler.
func NewHandler(inbox Inbox, dispatch Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		inbox:    inbox,
		dispatch: dispatch,
		logger:   logging.Or(logger).With("component", "signaling"),
		Joined:   make(chan *RosterPayload, 1),
		Roster:   make(chan *RosterPayload, 8),
		Error:    make(chan string, 4),
		lanes:    make(map[string][]*Envelope),
	}
}

// Start routes envelopes until the inbox closes or ctx is cancelled. It waits
// for dispatches in flight, then closes the handler channels.
func (h *Handler) Start(ctx context.Context) {
	defer h.Close()
	defer h.wg.Wait()

	for {
		var env *Envelope
		var ok bool
		select {
		case env, ok = <-h.inbox.Incoming():
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}

		switch {
		case env.IsSignal():
			if h.dispatch == nil {
				continue
			}
			h.enqueue(ctx, env)

		case env.Type == TypeJoined:
			h.handleRoster(ctx, env, h.Joined)

		case env.Type == TypeRoster:
			h.handleRoster(ctx, env, h.Roster)

		case env.Type == TypeError:
			h.handleError(ctx, env)

		default:
			h.logger.Debug("unknown envelope type", "type", env.Type)
		}
	}
}

// enqueue appends env to its sender's lane, starting the lane if idle.
// Envelopes that do not decode share the "" lane and the dispatcher rejects
// them there.
func (h *Handler) enqueue(ctx context.Context, env *Envelope) {
	var from string
	if p, err := env.Signal(); err == nil {
		from = p.FromID
	}

	h.lanesMu.Lock()
	pending, running := h.lanes[from]
	h.lanes[from] = append(pending, env)
	h.lanesMu.Unlock()

	if !running {
		h.wg.Add(1)
		go h.runLane(ctx, from)
	}
}

func (h *Handler) runLane(ctx context.Context, from string) {
	defer h.wg.Done()

	for {
		h.lanesMu.Lock()
		pending := h.lanes[from]
		if len(pending) == 0 || ctx.Err() != nil {
			delete(h.lanes, from)
			h.lanesMu.Unlock()
			return
		}
		env := pending[0]
		h.lanes[from] = pending[1:]
		h.lanesMu.Unlock()

		if err := h.dispatch.HandleSignal(ctx, env); err != nil {
			h.logger.Warn("signal rejected", "type", env.Type, "from", from, "error", err)
		}
	}
}

func (h *Handler) handleRoster(ctx context.Context, env *Envelope, out chan *RosterPayload) {
	var roster RosterPayload
	if err := env.Decode(&roster); err != nil {
		h.logger.Warn("bad roster", "error", err)
		return
	}

	select {
	case out <- &roster:
	case <-ctx.Done():
	}
}

func (h *Handler) handleError(ctx context.Context, env *Envelope) {
	var errPayload ErrorPayload
	msg := "Unknown error from relay"
	if err := env.Decode(&errPayload); err == nil && errPayload.Error != "" {
		msg = errPayload.Error
	}

	select {
	case h.Error <- msg:
	case <-ctx.Done():
	}
}

// Close closes all handler channels.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.Joined)
		close(h.Roster)
		close(h.Error)
	})
}
