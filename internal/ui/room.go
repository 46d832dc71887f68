package ui

import (
	"fmt"
	"strings"

	"github.com/BioHazard786/Huddle/internal/mesh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// RoomInfo is what the header box shows about the joined room.
type RoomInfo struct {
	Room   string
	SelfID string
	Name   string
	Relay  string
}

// RenderRoomInfo draws the room box with the command others run to join.
func RenderRoomInfo(info RoomInfo) string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Primary).
		Padding(0, 2)

	labelStyle := lipgloss.NewStyle().Foreground(Muted).Width(6)

	lines := []string{
		labelStyle.Render("Room") + TitleStyle.Render(IconRoom+" "+info.Room),
		labelStyle.Render("You") + fmt.Sprintf("%s %s", info.Name, MutedStyle.Render("("+short(info.SelfID)+")")),
	}
	if info.Relay != "" {
		lines = append(lines, labelStyle.Render("Relay")+info.Relay)
	}
	lines = append(lines, "", fmt.Sprintf("%s %s", IconCopy, BoldStyle.Render("huddle join --room "+info.Room)))

	return boxStyle.Render(strings.Join(lines, "\n"))
}

// PrintRoomInfo prints the room box
func PrintRoomInfo(info RoomInfo) {
	fmt.Println(RenderRoomInfo(info))
	fmt.Println()
}

// RenderPeerTable renders one row per peer. Rows are numbered from 1 so the
// numbers line up with the mute keys.
func RenderPeerTable(peers []mesh.PeerStatus) string {
	if len(peers) == 0 {
		return MutedStyle.Render(IconWaiting + " Waiting for others to join...")
	}

	rows := make([][]string, 0, len(peers))
	for i, p := range peers {
		audio := IconSpeaker
		if p.Muted {
			audio = IconMuted
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			displayName(p),
			p.Role.String(),
			p.Signaling.String(),
			renderPhase(p.Connection),
			audio,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Muted)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		}).
		Headers("#", "PEER", "ROLE", "SIGNALING", "CONNECTION", "AUDIO").
		Rows(rows...)

	return t.String()
}

// PhaseLine is the plain-mode rendering of a phase change.
func PhaseLine(ev mesh.PhaseEvent) string {
	icon := IconPeer
	if ev.Phase == mesh.PhaseConnected {
		icon = IconConnect
	}
	return fmt.Sprintf("%s %s %s", icon, short(ev.PeerID), renderPhase(ev.Phase))
}

func renderPhase(p mesh.ConnectionPhase) string {
	switch p {
	case mesh.PhaseConnected:
		return SuccessStyle.Render(p.String())
	case mesh.PhaseFailed:
		return ErrorStyle.Render(p.String())
	case mesh.PhaseDisconnected, mesh.PhaseClosed:
		return WarningStyle.Render(p.String())
	default:
		return MutedStyle.Render(p.String())
	}
}

func displayName(p mesh.PeerStatus) string {
	if p.Name == "" || p.Name == p.ID {
		return short(p.ID)
	}
	return fmt.Sprintf("%s %s", p.Name, MutedStyle.Render(short(p.ID)))
}

// short trims uuids to their first group.
func short(id string) string {
	if i := strings.IndexByte(id, '-'); i >= 8 {
		return id[:i]
	}
	return id
}
