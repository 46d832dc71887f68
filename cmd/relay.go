package cmd

import (
	"log/slog"

	"github.com/BioHazard786/Huddle/internal/relay"
	"github.com/spf13/cobra"
)

var flagRelayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the websocket relay that groups peers into rooms and forwards
their negotiation messages. Peers connect to /ws; /health reports liveness.

Examples:
  huddle relay
  huddle relay --addr :9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := relay.Serve(cmd.Context(), flagRelayAddr, slog.Default()); err != nil {
			return NewError("run relay", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().StringVarP(&flagRelayAddr, "addr", "a", ":8080", "Address to listen on")
}
