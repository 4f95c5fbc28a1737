package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/snapetech/mcastguide/internal/catalog"
	"github.com/snapetech/mcastguide/internal/discovery"
	"github.com/snapetech/mcastguide/internal/epgbin"
	"github.com/snapetech/mcastguide/internal/guide"
	"github.com/snapetech/mcastguide/internal/logging"
	"github.com/snapetech/mcastguide/internal/mcast"
	"github.com/snapetech/mcastguide/internal/store"
)

// ── provider ─────────────────────────────────────────────────────────────────

func newProviderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "provider",
		Short: "Print the service provider push address for the configured demarcation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.providerTarget(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), target)
			return nil
		},
	}
}

// providerTarget returns the configured provider address, or looks it up in
// the SD&S entrypoint carousel.
func (a *app) providerTarget(cmd *cobra.Command) (string, error) {
	if a.cfg.ProviderTarget != "" {
		return a.cfg.ProviderTarget, nil
	}
	if a.cfg.DVBEntrypoint == "" || a.cfg.Demarcation <= 0 {
		return "", errors.New("set --provider, or --dvb-entrypoint and --demarcation to look it up")
	}
	docs, err := a.downloadStrings(cmd, a.cfg.DVBEntrypoint, "sds-entrypoint")
	if err != nil {
		return "", fmt.Errorf("receive SD&S entrypoint: %w", err)
	}
	target, err := discovery.FindServiceProvider(docs, a.cfg.Demarcation)
	if err != nil {
		return "", err
	}
	a.log.Info().Int("demarcation", a.cfg.Demarcation).Str("provider", target).Msg("discovery: service provider found")
	return target, nil
}

func (a *app) downloadStrings(cmd *cobra.Command, target, name string) ([]string, error) {
	files, err := a.downloadFunc()(cmd.Context(), target, a.session(name))
	if err != nil {
		return nil, err
	}
	return mcast.Strings(files), nil
}

// ── channels ─────────────────────────────────────────────────────────────────

func newChannelsCmd(a *app) *cobra.Command {
	var docsDir string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Build the channel lineup and store the EPG entrypoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []string
			var err error
			if docsDir != "" {
				raw, err = readDocs(docsDir)
			} else {
				var target string
				if target, err = a.providerTarget(cmd); err != nil {
					return err
				}
				raw, err = a.downloadStrings(cmd, target, "service-provider")
			}
			if err != nil {
				return err
			}
			return a.buildChannels(cmd, raw)
		},
	}
	cmd.Flags().StringVar(&docsDir, "docs-dir", "", "read discovery documents from this directory instead of multicast (see dump)")
	return cmd
}

func (a *app) buildChannels(cmd *cobra.Command, raw []string) error {
	log := logging.Component(a.log, "discovery")
	docs := discovery.Classify(raw, log)
	channels := discovery.BuildChannels(docs, a.cfg.Packages, discovery.Options{
		LogoBase: a.cfg.LogoBase,
		Logger:   log,
		Metrics:  a.metrics,
	})

	cat := catalog.New()
	cat.Replace(channels, a.cfg.Packages)
	if err := cat.Save(a.cfg.CatalogPath); err != nil {
		return err
	}

	entrypoints := discovery.EPGEntrypoints(docs.EPG)
	if len(entrypoints) > 0 {
		st, err := store.Open(a.cfg.StatePath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.SaveEntrypoints(cmd.Context(), entrypoints); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("discovery: no BCG discovery document, EPG entrypoints unchanged")
	}

	log.Info().Int("channels", len(channels)).Int("epg_entrypoints", len(entrypoints)).
		Str("catalog", a.cfg.CatalogPath).Msg("discovery: lineup saved")
	fmt.Fprintf(cmd.OutOrStdout(), "%d channels, %d EPG entrypoints\n", len(channels), len(entrypoints))
	return nil
}

// readDocs returns the regular files of dir in name order.
func readDocs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

// ── epg ──────────────────────────────────────────────────────────────────────

func newEPGCmd(a *app) *cobra.Command {
	var outPath, xmltvPath string
	cmd := &cobra.Command{
		Use:   "epg",
		Short: "Fetch the EPG carousels and write the guide",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(a.cfg.StatePath)
			if err != nil {
				return err
			}
			entrypoints, err := st.Entrypoints(cmd.Context())
			st.Close()
			if err != nil {
				return err
			}
			if len(entrypoints) == 0 {
				return fmt.Errorf("%w: run channels first", guide.ErrNoEntrypoints)
			}

			delim, err := a.cfg.DelimiterBytes()
			if err != nil {
				return err
			}
			f := &guide.Fetcher{
				MaxDays: a.cfg.MaxDays,
				Session: a.session(""),
				Decoder: &epgbin.Decoder{
					DomainMarker: a.cfg.DomainMarker,
					Delimiter:    delim,
					Metrics:      a.metrics,
					Logger:       logging.Component(a.log, "epgbin"),
				},
				Logger:   logging.Component(a.log, "guide"),
				Download: a.downloadFunc(),
			}
			g, err := f.Fetch(cmd.Context(), entrypoints)
			if err != nil {
				return err
			}

			if outPath != "" {
				if err := writeTo(cmd, outPath, func(w io.Writer) error {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(g)
				}); err != nil {
					return err
				}
			}
			if xmltvPath != "" {
				cat := catalog.New()
				if err := cat.Load(a.cfg.CatalogPath); err != nil {
					return fmt.Errorf("load catalog for XMLTV: %w", err)
				}
				if err := writeTo(cmd, xmltvPath, func(w io.Writer) error {
					return guide.WriteXMLTV(w, cat.Snapshot(), g)
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", `guide JSON path ("-" = stdout, "" = none)`)
	cmd.Flags().StringVar(&xmltvPath, "xmltv", "", `XMLTV path ("-" = stdout); needs the channel catalog`)
	return cmd
}

func writeTo(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ── dump ─────────────────────────────────────────────────────────────────────

func newDumpCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "dump <host:port>",
		Short: "Save every file of one carousel as <type>-<id>.bin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := mcast.SplitTarget(args[0]); err != nil {
				return err
			}
			files, err := a.downloadFunc()(cmd.Context(), args[0], a.session("dump"))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			for _, k := range mcast.SortedKeys(files) {
				name := filepath.Join(dir, k.String()+".bin")
				if err := os.WriteFile(name, files[k], 0o600); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d files written to %s\n", len(files), dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "output directory")
	return cmd
}
