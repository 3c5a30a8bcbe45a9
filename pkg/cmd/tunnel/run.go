package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meridian-vpn/meridian/config"
	"github.com/meridian-vpn/meridian/pkg/log"
	"github.com/meridian-vpn/meridian/pkg/telemetry"
	"github.com/meridian-vpn/meridian/pkg/tunnel/engine"
	"github.com/meridian-vpn/meridian/pkg/tunnel/entitlement"
	"github.com/meridian-vpn/meridian/pkg/tunnel/migration"
	"github.com/meridian-vpn/meridian/pkg/tunnel/serverlist"
	"github.com/meridian-vpn/meridian/pkg/tunnel/session"
	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

const stopTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a supervised tunnel session",
	Long: `Bring up the tunnel and supervise it until interrupted.

The session is kept healthy with periodic connection testing, failure
recovery, server migration on extended failures, and scheduled key rotation.
SIGHUP reloads the config file and applies tunnel changes in place. SIGUSR1
re-checks a possibly stale tunnel after a suspend/resume cycle and SIGUSR2
rebinds the tunnel sockets after a network path change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("unable to load config: %w", err)
		}

		tokens, err := config.NewTokenHandle(ctx, cfg)
		if err != nil {
			return fmt.Errorf("unable to build credential handle: %w", err)
		}

		checker := entitlement.NewClient(
			cfg.EntitlementBaseURL(),
			token.EntitlementVPN,
			entitlement.WithCacheTTL(cfg.Timings.EntitlementTTL),
		)

		catalog := serverlist.NewClient(cfg.ServerListBaseURL())
		prober := serverlist.NewProber(serverlist.WithProbeTimeout(cfg.Timings.ProbeTimeout))
		migrator := migration.NewController(catalog, prober)

		eng := engine.NewWireGuardEngine(ifaceName, ifaceMTU)
		eng.SetLogger(log.EngineLogger("wireguard"))

		sess := session.New(cfg.SessionConfig(), eng, eng, tokens, checker, migrator, telemetry.New(nil))

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					slog.Error("Metrics server failed", slog.Any("error", err))
				}
			}()
		}

		opts, err := buildOptions(ctx, cfg, catalog, prober)
		if err != nil {
			return err
		}

		if err := sess.Start(ctx, opts); err != nil {
			return fmt.Errorf("unable to start tunnel: %w", err)
		}
		slog.Info("Tunnel session started",
			slog.String("server", opts.ServerID),
			slog.String("endpoint", opts.Endpoint))

		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				return sess.Stop(stopCtx)
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					applyConfigReload(ctx, sess, catalog, prober)
				case syscall.SIGUSR1:
					sess.HandleWake(ctx)
				case syscall.SIGUSR2:
					sess.HandleNetworkPathChange()
				}
			}
		}
	},
}

// applyConfigReload reloads the config file and applies tunnel changes to
// the running session. Reload failures leave the session untouched.
func applyConfigReload(
	ctx context.Context,
	sess *session.Session,
	catalog *serverlist.Client,
	prober *serverlist.Prober,
) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Config reload failed", slog.Any("error", err))
		return
	}
	opts, err := buildOptions(ctx, cfg, catalog, prober)
	if err != nil {
		slog.Error("Config reload failed", slog.Any("error", err))
		return
	}
	if err := sess.Update(ctx, opts); err != nil {
		slog.Error("Failed to apply config update", slog.Any("error", err))
		return
	}
	slog.Info("Applied config update", slog.String("endpoint", opts.Endpoint))
}

// buildOptions maps the tunnel config onto session options. When no
// endpoint is configured, the best-ranked catalog server is selected.
func buildOptions(
	ctx context.Context,
	cfg *config.Config,
	catalog *serverlist.Client,
	prober *serverlist.Prober,
) (session.Options, error) {
	scheme, err := cfg.Scheme()
	if err != nil {
		return session.Options{}, err
	}

	t := cfg.Tunnel
	opts := session.Options{
		ServerID:      t.ServerID,
		Endpoint:      t.Endpoint,
		PeerPublicKey: t.PeerPublicKey,
		ProbeTarget:   t.ProbeTarget,
		Scheme:        scheme,
	}
	if t.Address != "" {
		if opts.Address, err = netip.ParsePrefix(t.Address); err != nil {
			return session.Options{}, fmt.Errorf("invalid tunnel address: %w", err)
		}
	}
	for _, s := range t.AllowedIPs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return session.Options{}, fmt.Errorf("invalid allowed IP %q: %w", s, err)
		}
		opts.AllowedIPs = append(opts.AllowedIPs, p)
	}
	if t.KeepaliveSec > 0 {
		opts.Keepalive = time.Duration(t.KeepaliveSec) * time.Second
	}

	if opts.Endpoint == "" {
		candidates, err := catalog.Fetch(ctx)
		if err != nil {
			return session.Options{}, fmt.Errorf("unable to fetch server list: %w", err)
		}
		candidates = prober.ProbeAll(ctx, candidates)
		best, err := migration.SelectCandidate("", candidates)
		if err != nil {
			return session.Options{}, fmt.Errorf("unable to select a server: %w", err)
		}
		opts.ServerID = best.ID
		opts.Endpoint = best.Endpoint
	}
	return opts, nil
}
