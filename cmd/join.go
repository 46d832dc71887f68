package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/Huddle/internal/config"
	"github.com/BioHazard786/Huddle/internal/ice"
	"github.com/BioHazard786/Huddle/internal/media"
	"github.com/BioHazard786/Huddle/internal/mesh"
	"github.com/BioHazard786/Huddle/internal/signaling"
	"github.com/BioHazard786/Huddle/internal/sink"
	"github.com/BioHazard786/Huddle/internal/ui"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagRoom       string
	flagPeerID     string
	flagName       string
	flagMic        string
	flagRecord     string
	flagPlain      bool
	flagConfig     string
	flagDomain     string
	flagRelayURL   string
	flagSTUN       string
	flagTURN       string
	flagTURNUser   string
	flagTURNPass   string
	flagForceRelay bool
	flagLoopback   bool
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Join a voice room",
	Long: `Join a room on the relay and connect to every other member directly.
Without --room the relay creates a fresh room and prints its name.

Examples:
  huddle join
  huddle join --room brave-otter-harbor --name alice
  huddle join --room lobby --mic talk.ogg --record ./recordings
  huddle join --domain localhost:8080 --loopback --plain`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return joinHuddle(cmd.Context())
	},
}

func joinHuddle(ctx context.Context) error {
	cfg, err := LoadConfig(config.Options{
		ConfigFile: flagConfig,
		Domain:     flagDomain,
		RelayURL:   flagRelayURL,
		Room:       flagRoom,
		PeerID:     flagPeerID,
		Name:       flagName,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagForceRelay,
		Loopback:   flagLoopback,
		MicFile:    flagMic,
		RecordDir:  flagRecord,
	})
	if err != nil {
		return err
	}
	logger := slog.Default().With("self", cfg.PeerID)

	fmt.Println()
	if cfg.MicFile == "" {
		ui.PrintWarning("No --mic file given, others will hear silence")
	}
	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	conn, err := NewConnectionContext(ctx, cfg, logger)
	stopSpinner()
	if err != nil {
		return err
	}
	defer conn.Close()

	m, closeMesh, err := newMesh(cfg, conn.Client, logger)
	if err != nil {
		return err
	}
	defer closeMesh()

	conn.Listen(ctx, m, logger)

	sp := ui.NewWaitingSpinner("Joining room...")
	sp.Start()
	joined, err := joinRoom(ctx, conn)
	if err != nil {
		sp.Stop()
		return err
	}
	sp.Success(fmt.Sprintf("Joined %s with %d others", joined.Room, len(joined.Members)-1))

	info := ui.RoomInfo{Room: joined.Room, SelfID: cfg.PeerID, Name: cfg.Name, Relay: cfg.RelayURL}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return followRoom(gctx, m, conn, joined, logger)
	})
	g.Go(func() error {
		if flagPlain {
			ui.PrintRoomInfo(info)
			return printEvents(gctx, m.Events())
		}
		if err := ui.RunMeshView(gctx, m, m.Events(), info); err != nil {
			return NewError("run view", err)
		}
		return errLeft
	})

	err = g.Wait()
	if errors.Is(err, errLeft) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newMesh builds the mesh with its microphone and sinks. The returned func
// releases all three.
func newMesh(cfg *config.Config, sender mesh.Sender, logger *slog.Logger) (*mesh.Mesh, func(), error) {
	var open media.Opener
	if cfg.MicFile != "" {
		open = media.FileOpener(cfg.MicFile)
	}
	mic := media.NewSource(open, logger)

	var players sink.PlayerFactory = sink.Discard
	if cfg.RecordDir != "" {
		players = sink.RecordTo(cfg.RecordDir)
	}
	sinks := sink.NewManager(players, logger)

	release := func() {
		sinks.Close()
		mic.Close()
	}

	api, err := mesh.NewAPI(cfg)
	if err != nil {
		release()
		return nil, nil, NewError("set up webrtc", err)
	}

	m, err := mesh.New(mesh.Config{
		SelfID:     cfg.PeerID,
		Microphone: mic,
		Sinks:      sinks,
		Signaler:   sender,
		NewConn:    mesh.NewPionFactory(api, ice.Configuration(cfg), logger),
		Logger:     logger,
	})
	if err != nil {
		release()
		return nil, nil, NewError("create mesh", err)
	}

	return m, func() {
		m.Close()
		release()
	}, nil
}

func joinRoom(ctx context.Context, conn *ConnectionContext) (*signaling.RosterPayload, error) {
	env, err := signaling.New(signaling.TypeJoin, signaling.JoinPayload{
		Room:   conn.Config.Room,
		FromID: conn.Config.PeerID,
		Name:   conn.Config.Name,
	})
	if err != nil {
		return nil, NewError("join room", err)
	}
	if err := conn.Client.Send(ctx, env); err != nil {
		return nil, NewError("join room", err)
	}

	select {
	case joined, ok := <-conn.Handler.Joined:
		if !ok {
			return nil, NewError("join room", ErrRelayLost)
		}
		return joined, nil
	case msg, ok := <-conn.Handler.Error:
		if !ok {
			return nil, NewError("join room", ErrRelayLost)
		}
		return nil, WrapError("join room", ErrRelayRejected, msg)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// followRoom offers to everyone already in the room, then keeps the mesh's
// roster current. Later arrivals offer to us, so roster updates only record
// names and create idle entries.
func followRoom(ctx context.Context, m *mesh.Mesh, conn *ConnectionContext, joined *signaling.RosterPayload, logger *slog.Logger) error {
	if err := m.SyncRoster(joined.Members); err != nil {
		logger.Warn("sync roster", "error", err)
	}
	for _, member := range joined.Members {
		if member.ID == m.SelfID() {
			continue
		}
		if err := m.ConnectTo(ctx, member.ID); err != nil {
			logger.Warn("connect to peer", "peer", member.ID, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-conn.Client.Done():
			return ErrRelayLost

		case roster, ok := <-conn.Handler.Roster:
			if !ok {
				return ErrRelayLost
			}
			if err := m.SyncRoster(roster.Members); err != nil {
				logger.Warn("sync roster", "error", err)
			}

		case msg, ok := <-conn.Handler.Error:
			if !ok {
				return ErrRelayLost
			}
			logger.Warn("relay error", "error", msg)
		}
	}
}

func printEvents(ctx context.Context, events <-chan mesh.PhaseEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Println(ui.PhaseLine(ev))
		}
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVar(&flagRoom, "room", "", "Room to join (default: a new room)")
	joinCmd.Flags().StringVar(&flagPeerID, "id", "", "Peer id (default: random uuid)")
	joinCmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name")
	joinCmd.Flags().StringVarP(&flagMic, "mic", "m", "", "Ogg/Opus file to use as microphone")
	joinCmd.Flags().StringVar(&flagRecord, "record", "", "Directory to record each peer into")
	joinCmd.Flags().BoolVar(&flagPlain, "plain", false, "Print connection changes instead of the live view")
	joinCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Config file")
	joinCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom relay domain")
	joinCmd.Flags().StringVar(&flagRelayURL, "relay-url", "", "Full relay websocket URL")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagForceRelay, "relay", "r", false, "Force relay mode")
	joinCmd.Flags().BoolVar(&flagLoopback, "loopback", false, "Gather loopback ICE candidates")
}
