package tunnel

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-vpn/meridian/config"
	"github.com/meridian-vpn/meridian/pkg/tunnel/serverlist"
)

// tunnelCmd implements the `tunnel` command that runs and inspects the
// supervised tunnel session.
var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Manage the tunnel session",
	Long:  "Run a supervised WireGuard tunnel session and inspect the candidate server catalog.",
}

var (
	// ifaceName is the TUN interface name for the tunnel.
	ifaceName string
	// ifaceMTU overrides the interface MTU. Zero uses the engine default.
	ifaceMTU int
	// probeServers disables latency probing of the catalog when false.
	probeServers bool
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List candidate servers",
	Long:  "Fetch the server catalog and, unless --probe=false, measure per-server latency.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		catalog := serverlist.NewClient(cfg.ServerListBaseURL())
		candidates, err := catalog.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("unable to fetch server list: %w", err)
		}
		if probeServers {
			prober := serverlist.NewProber(serverlist.WithProbeTimeout(cfg.Timings.ProbeTimeout))
			candidates = prober.ProbeAll(ctx, candidates)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tENDPOINT\tREGION\tLATENCY")
		for _, c := range candidates {
			latency := "-"
			if c.Latency > 0 {
				latency = c.Latency.Round(time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Endpoint, c.Region, latency)
		}
		return w.Flush()
	},
}

func init() {
	serversCmd.Flags().BoolVar(&probeServers, "probe", true, "Measure per-server latency with TCP probes.")

	runCmd.Flags().StringVar(&ifaceName, "iface", "meridian0", "Name of the TUN interface.")
	runCmd.Flags().IntVar(&ifaceMTU, "mtu", 0, "MTU of the TUN interface (0 uses the default).")

	tunnelCmd.AddCommand(serversCmd)
	tunnelCmd.AddCommand(runCmd)
}

func Cmd() *cobra.Command {
	return tunnelCmd
}
