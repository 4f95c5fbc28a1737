// Command mcast-guide builds a channel lineup and program guide from an IPTV
// operator's multicast discovery and EPG carousels.
//
//	provider  Find the service provider push address for the subscriber's demarcation
//	channels  Receive the discovery documents, save the lineup and the EPG entrypoints
//	epg       Fetch the EPG carousels and write the guide as JSON and/or XMLTV
//	dump      Save every file of one multicast carousel to a directory
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/snapetech/mcastguide/internal/config"
	"github.com/snapetech/mcastguide/internal/guide"
	"github.com/snapetech/mcastguide/internal/logging"
	"github.com/snapetech/mcastguide/internal/mcast"
	"github.com/snapetech/mcastguide/internal/metrics"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// app carries the resolved configuration and shared components between the
// root command and its subcommands.
type app struct {
	cfg     config.Config
	cfgPath string
	envFile string

	log     zerolog.Logger
	metrics *metrics.Metrics

	// Injected in tests; nil means the real multicast receiver.
	download guide.DownloadFunc
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: config.Default()}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcast-guide:", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mcast-guide",
		Short:         "Channel lineup and EPG from multicast IPTV discovery carousels",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	bindFlags(root.PersistentFlags(), a)

	root.AddCommand(
		newProviderCmd(a),
		newChannelsCmd(a),
		newEPGCmd(a),
		newDumpCmd(a),
	)
	return root
}

func bindFlags(fs *pflag.FlagSet, a *app) {
	c := &a.cfg
	fs.StringVar(&a.cfgPath, "config", "", "TOML config file (default ~/.mcast-guide/config.toml)")
	fs.StringVar(&a.envFile, "env-file", ".env", "KEY=value file loaded into the environment")

	fs.StringVar(&c.DVBEntrypoint, "dvb-entrypoint", c.DVBEntrypoint, "SD&S entrypoint multicast address (host:port)")
	fs.IntVar(&c.Demarcation, "demarcation", c.Demarcation, "subscriber demarcation (DEM_<n> provider domain)")
	fs.StringVar(&c.ProviderTarget, "provider", c.ProviderTarget, "service provider push address; skips the lookup")
	fs.StringSliceVar(&c.Packages, "packages", c.Packages, "entitled package names")
	fs.StringVar(&c.LogoBase, "logo-base", c.LogoBase, "prefix for channel logo URIs")

	fs.StringVar(&c.Interface, "interface", c.Interface, "network interface to join multicast groups on")
	fs.IntVar(&c.ReadBuffer, "read-buffer", c.ReadBuffer, "socket receive buffer in bytes (0 = default)")
	fs.IntVar(&c.GraceRounds, "grace-rounds", c.GraceRounds, "datagrams to wait after all known files complete")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "abort a session after this long without datagrams (0 = never)")

	fs.IntVar(&c.MaxDays, "max-days", c.MaxDays, "EPG days fetched in parallel")
	fs.StringVar(&c.DomainMarker, "domain-marker", c.DomainMarker, "substring required in an EPG file's service URL")
	fs.StringVar(&c.Delimiter, "delimiter", c.Delimiter, `scan for this EPG record separator instead of stepping over the fixed trailer ("hex:..." for binary)`)

	fs.StringVar(&c.CatalogPath, "catalog", c.CatalogPath, "channel lineup JSON path")
	fs.StringVar(&c.StatePath, "state", c.StatePath, "sqlite state path (EPG entrypoints)")

	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus /metrics on this address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json")
}

// setup resolves the configuration (flags, then environment, then file, then
// defaults) and builds the logger and metrics.
func (a *app) setup(cmd *cobra.Command) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if a.envFile != "" {
		if err := config.LoadEnvFile(a.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	path := a.cfgPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path != "" {
		fc, err := config.LoadFile(path)
		switch {
		case err == nil:
			if err := a.cfg.ApplyFile(fc, changed); err != nil {
				return err
			}
		case errors.Is(err, os.ErrNotExist) && a.cfgPath == "":
		default:
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := a.cfg.ApplyEnv(changed); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	a.log = logging.New(logging.Options{Level: a.cfg.LogLevel, Format: a.cfg.LogFormat, Out: cmd.ErrOrStderr()})
	a.log.Debug().Interface("config", a.cfg).Msg("configuration")

	reg := prometheus.NewRegistry()
	a.metrics = metrics.New(reg)
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cmd.Context(), a.cfg.MetricsAddr, reg, a.log); err != nil {
				a.log.Error().Err(err).Msg("metrics: server stopped")
			}
		}()
	}
	return nil
}

// session returns receive options for one carousel.
func (a *app) session(name string) mcast.Options {
	return mcast.Options{
		Name:        name,
		Interface:   a.cfg.Interface,
		ReadBuffer:  a.cfg.ReadBuffer,
		GraceRounds: a.cfg.GraceRounds,
		IdleTimeout: a.cfg.IdleTimeout,
		Logger:      logging.Component(a.log, "mcast"),
		Metrics:     a.metrics,
	}
}

func (a *app) downloadFunc() guide.DownloadFunc {
	if a.download != nil {
		return a.download
	}
	return mcast.Download
}
