package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/meridian-vpn/meridian/config"
	"github.com/meridian-vpn/meridian/pkg/cmd/tunnel"
	"github.com/meridian-vpn/meridian/pkg/log"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Meridian manages authenticated WireGuard tunnel sessions.",
	Long: `The meridian CLI runs and supervises a VPN tunnel session: it verifies your
access token, brings the tunnel up, and keeps it healthy with periodic
connection testing, failure recovery, server migration, and key rotation.
`,
	DisableAutoGenTag: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(config.Verbose)
	},
}

// ExecuteContext executes root command with context.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func ExecuteContext(ctx context.Context) error {
	return RootCmd.ExecuteContext(ctx)
}

func init() {
	RootCmd.PersistentFlags().StringVar(&config.ConfigFile, "config", "", "Config file (default is $XDG_CONFIG_HOME/meridian/config.yaml).")
	RootCmd.PersistentFlags().BoolVarP(&config.Verbose, "verbose", "v", false, "Enable verbose output.")

	RootCmd.AddCommand(tunnel.Cmd())
}
