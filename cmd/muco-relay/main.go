// muco-relay - multi-user session relay.
//
// muco-relay accepts client connections over TCP or WebSocket, hands each
// client a session identity, and replicates joins, leaves, transforms and
// experience loads between everyone in the session. An admin REST API,
// an interactive console, Prometheus metrics, MQTT telemetry and a SQLite
// session journal surround the relay loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/util"
)

const banner = `
  __  __ _   _  ____ ___    ____      _
 |  \/  | | | |/ ___/ _ \  |  _ \ ___| | __ _ _   _
 | |\/| | | | | |  | | | | | |_) / _ \ |/ _' | | | |
 | |  | | |_| | |__| |_| | |  _ <  __/ | (_| | |_| |
 |_|  |_|\___/ \____\___/  |_| \_\___|_|\__,_|\__, |
                                              |___/  %s
`

func main() {
	var opts runOptions

	rootCmd := &cobra.Command{
		Use:   util.AppName,
		Short: "Multi-user real-time session relay",
		Long: `muco-relay relays session state between connected clients.

Every client gets a session identity on connect. Joins, leaves,
transforms, device reports and experience loads are replicated
between everyone connected, and application packets are forwarded
to one peer or to all of them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	rootCmd.Flags().StringVarP(&opts.configDir, "config-dir", "c", config.DefaultConfigDir, "directory holding config.json")
	rootCmd.Flags().BoolVar(&opts.setup, "setup", false, "run the interactive setup wizard before starting")
	rootCmd.Flags().IntVarP(&opts.port, "port", "p", 0, "override relay_data.port for this run")

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
