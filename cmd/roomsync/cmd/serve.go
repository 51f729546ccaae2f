package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nfrund/roomsync/internal/app"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Run the relay: the WebSocket endpoint at /ws, the REST history and
snapshot reads under /rooms and a /health check.

Storage is chosen by ROOMSYNC_STORE (memory or surreal). Setting REDIS_ADDR
allocates document versions in Redis; ROOMSYNC_SNAPSHOT_DIR keeps document
snapshots on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.GetListenAddr()
		if serveAddr != "" {
			addr = serveAddr
		}
		s, err := app.NewServer(cfg, logger)
		if err != nil {
			return err
		}
		return s.Start(addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides ROOMSYNC_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}
