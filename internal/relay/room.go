package relay

import (
	"sort"

	"github.com/BioHazard786/Huddle/internal/signaling"
)

// Room is a set of clients that signal each other, keyed by peer id.
type Room struct {
	Name    string
	members map[string]*Client
}

func newRoom(name string) *Room {
	return &Room{Name: name, members: make(map[string]*Client)}
}

func (r *Room) roster() *signaling.RosterPayload {
	members := make([]signaling.Member, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, signaling.Member{ID: c.id, Name: c.name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return &signaling.RosterPayload{Room: r.Name, Members: members}
}
