// Package relay is the signaling server: it groups clients into rooms and
// forwards negotiation envelopes between members of the same room.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/Huddle/internal/logging"
	"github.com/BioHazard786/Huddle/internal/signaling"
)

// Hub is the central brain of the relay. All room state lives in the single
// goroutine running Run.
type Hub struct {
	rooms  map[string]*Room
	logger *slog.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	done       chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		logger:     logging.Or(logger).With("component", "relay"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and messages until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]struct{})
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.logger.Debug("client connected", "addr", c.conn.RemoteAddr().String())

		case c := <-h.unregister:
			if _, ok := clients[c]; !ok {
				continue
			}
			delete(clients, c)
			h.leave(c)
			close(c.send)
			h.logger.Debug("client disconnected", "addr", c.conn.RemoteAddr().String())

		case in := <-h.inbound:
			h.handle(in.client, in.env)
		}
	}
}

func (h *Hub) handle(c *Client, env *signaling.Envelope) {
	switch {
	case env.Type == signaling.TypeJoin:
		h.join(c, env)
	case env.IsSignal():
		h.forward(c, env)
	default:
		h.logger.Debug("unknown message type", "type", env.Type)
		h.fail(c, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (h *Hub) join(c *Client, env *signaling.Envelope) {
	if c.room != nil {
		h.fail(c, "already in room "+c.room.Name)
		return
	}

	var p signaling.JoinPayload
	if err := env.Decode(&p); err != nil || p.FromID == "" {
		h.fail(c, "join needs a peer id")
		return
	}

	name := p.Room
	if name == "" {
		name = roomName(func(n string) bool {
			_, ok := h.rooms[n]
			return ok
		})
	}

	room, ok := h.rooms[name]
	if !ok {
		room = newRoom(name)
		h.rooms[name] = room
		h.logger.Info("room created", "room", name)
	}
	if _, taken := room.members[p.FromID]; taken {
		h.fail(c, fmt.Sprintf("id %s is already in room %s", p.FromID, name))
		return
	}

	c.id, c.name, c.room = p.FromID, p.Name, room
	room.members[c.id] = c
	h.logger.Info("peer joined", "room", name, "peer", c.id, "members", len(room.members))

	roster := room.roster()
	h.deliver(c, signaling.TypeJoined, roster)
	h.broadcast(room, c, roster)
}

func (h *Hub) leave(c *Client) {
	room := c.room
	if room == nil {
		return
	}
	delete(room.members, c.id)
	c.room = nil

	if len(room.members) == 0 {
		delete(h.rooms, room.Name)
		h.logger.Info("room deleted", "room", room.Name)
		return
	}
	h.logger.Info("peer left", "room", room.Name, "peer", c.id)
	h.broadcast(room, nil, room.roster())
}

// forward relays a negotiation envelope to its toId inside the sender's room.
// fromId is always rewritten to the sender's registered id.
func (h *Hub) forward(c *Client, env *signaling.Envelope) {
	if c.room == nil {
		h.fail(c, "join a room first")
		return
	}

	p, err := env.Signal()
	if err != nil {
		h.fail(c, "malformed "+env.Type)
		return
	}
	target, ok := c.room.members[p.ToID]
	if !ok {
		h.fail(c, fmt.Sprintf("peer %s is not in room %s", p.ToID, c.room.Name))
		return
	}

	p.FromID = c.id
	h.logger.Debug("relaying", "type", env.Type, "from", c.id, "to", p.ToID)
	h.deliver(target, env.Type, p)
}

func (h *Hub) broadcast(room *Room, except *Client, roster *signaling.RosterPayload) {
	for _, m := range room.members {
		if m != except {
			h.deliver(m, signaling.TypeRoster, roster)
		}
	}
}

func (h *Hub) fail(c *Client, msg string) {
	h.deliver(c, signaling.TypeError, signaling.ErrorPayload{Error: msg})
}

// deliver never blocks the hub; a client that cannot keep up loses messages.
func (h *Hub) deliver(c *Client, typ string, payload any) {
	env, err := signaling.New(typ, payload)
	if err != nil {
		h.logger.Error("encode envelope", "type", typ, "error", err)
		return
	}
	select {
	case c.send <- env:
	default:
		h.logger.Warn("client send buffer full, dropping", "type", typ, "peer", c.id)
	}
}
