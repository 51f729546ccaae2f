package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/roomsync/internal/config"
	"github.com/nfrund/roomsync/internal/logging"
)

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "roomsync",
	Short: "Real-time room sync relay and client",
	Long: `roomsync keeps chat messages, a shared document and presence in sync
between the members of a room.

Available commands:
  serve      Run the relay
  join       Join a room from the terminal
  version    Print the version

Configuration is read from the environment and an optional .env file.
Use "roomsync [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.New()
		if err != nil {
			return err
		}
		logger = logging.New()
		return nil
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
