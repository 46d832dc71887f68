package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BioHazard786/Huddle/internal/mesh"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const (
	refreshInterval = 500 * time.Millisecond
	maxLogLines     = 5
)

// Controller is the part of the mesh the view drives.
type Controller interface {
	Peers() []mesh.PeerStatus
	MicrophoneEnabled() bool
	SetMicrophoneEnabled(on bool)
	MuteMap() map[string]bool
	ApplyMuteMap(muted map[string]bool)
}

type (
	tickMsg  time.Time
	phaseMsg mesh.PhaseEvent
	// eventsClosedMsg is sent once the mesh stops publishing events.
	eventsClosedMsg struct{}
)

// MeshModel is the bubbletea model of a live huddle.
type MeshModel struct {
	ctrl    Controller
	events  <-chan mesh.PhaseEvent
	info    RoomInfo
	spinner spinner.Model

	peers []mesh.PeerStatus
	log   []string
}

func NewMeshModel(ctrl Controller, events <-chan mesh.PhaseEvent, info RoomInfo) MeshModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return MeshModel{
		ctrl:    ctrl,
		events:  events,
		info:    info,
		spinner: s,
		peers:   ctrl.Peers(),
	}
}

func (m MeshModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd(), waitForEvent(m.events))
}

func (m MeshModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.peers = m.ctrl.Peers()
		return m, tickCmd()

	case phaseMsg:
		m.peers = m.ctrl.Peers()
		m.log = append(m.log, PhaseLine(mesh.PhaseEvent(msg)))
		if len(m.log) > maxLogLines {
			m.log = m.log[len(m.log)-maxLogLines:]
		}
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m MeshModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key := msg.String(); key {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "m":
		m.ctrl.SetMicrophoneEnabled(!m.ctrl.MicrophoneEnabled())

	default:
		if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
			m.toggleMute(int(key[0] - '1'))
		}
	}
	return m, nil
}

// toggleMute flips playback for the i-th listed peer. Mutes follow display
// names, so peers without one cannot be muted.
func (m *MeshModel) toggleMute(i int) {
	if i >= len(m.peers) || m.peers[i].Name == "" {
		return
	}
	name := m.peers[i].Name
	muted := m.ctrl.MuteMap()
	muted[name] = !muted[name]
	m.ctrl.ApplyMuteMap(muted)
	m.peers = m.ctrl.Peers()
}

func (m MeshModel) View() string {
	var b strings.Builder

	b.WriteString(RenderRoomInfo(m.info))
	b.WriteString("\n\n")

	mic := SuccessStyle.Render(IconMic + " mic on")
	if !m.ctrl.MicrophoneEnabled() {
		mic = WarningStyle.Render(IconMicOff + " mic off")
	}
	fmt.Fprintf(&b, "%s  %s %d connected\n\n", mic, m.spinner.View(), connected(m.peers))

	b.WriteString(RenderPeerTable(m.peers))
	b.WriteString("\n")

	if len(m.log) > 0 {
		b.WriteString("\n")
		for _, line := range m.log {
			b.WriteString(line + "\n")
		}
	}

	b.WriteString(FooterStyle.Render("m: toggle mic • 1-9: mute peer • q: leave"))
	b.WriteString("\n")
	return b.String()
}

// RunMeshView blocks until the user leaves, ctx is cancelled or the mesh
// closes its event stream.
func RunMeshView(ctx context.Context, ctrl Controller, events <-chan mesh.PhaseEvent, info RoomInfo) error {
	p := tea.NewProgram(NewMeshModel(ctrl, events, info))

	stop := context.AfterFunc(ctx, p.Quit)
	defer stop()

	_, err := p.Run()
	return err
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(events <-chan mesh.PhaseEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return phaseMsg(ev)
	}
}

func connected(peers []mesh.PeerStatus) int {
	n := 0
	for _, p := range peers {
		if p.Connection == mesh.PhaseConnected {
			n++
		}
	}
	return n
}
