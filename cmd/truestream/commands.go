package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/torrentclaw/truestream/internal/config"
	"github.com/torrentclaw/truestream/internal/engine"
	"github.com/torrentclaw/truestream/internal/magnet"
	"github.com/torrentclaw/truestream/internal/progress"
)

// ═══════════════════════════════════════════════════════════════════
// ADD COMMAND
// ═══════════════════════════════════════════════════════════════════

func newAddCmd(a *app) *cobra.Command {
	var (
		file     int
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add <magnet|hash|file.torrent>",
		Short: "Add a torrent with the configured engine and list its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			uri, _, err := magnet.Resolve(args[0])
			if err != nil {
				return err
			}
			m, err := newManager(a.cfg, a.loader.File(), a.store)
			if err != nil {
				return err
			}
			defer stopManager(ctx, m)

			t, err := m.AddTorrent(ctx, uri)
			if err != nil {
				return err
			}
			printTorrent(cmd.OutOrStdout(), t)

			if file < 0 {
				return nil
			}
			// Opening a stream selects the file; the selection outlives the reader.
			s, err := m.GetFileStream(ctx, t.Hash, file, nil)
			if err != nil {
				return err
			}
			s.Close()
			f := s.File
			fmt.Fprintf(cmd.OutOrStdout(), "\nSelected [%d] %s (%s)\n", f.Index, f.Name, humanize.Bytes(uint64(f.Size)))
			if !follow {
				return nil
			}

			isTTY := term.IsTerminal(int(os.Stderr.Fd()))
			last := progress.New(os.Stderr, t.Name, isTTY).Follow(ctx, m.Watch(ctx, t.Hash, interval))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %.1f%%, %s downloaded\n", t.Name, last.Progress*100, humanize.Bytes(uint64(last.BytesCompleted)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&file, "file", "f", -1, "file index to select for download")
	cmd.Flags().BoolVar(&follow, "follow", false, "show live progress until interrupted (requires --file)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "progress sample interval")
	return cmd
}

func printTorrent(w io.Writer, t *engine.Torrent) {
	fmt.Fprintf(w, "%s  %s  (%s, %d files)\n", t.Hash, t.Name, humanize.Bytes(uint64(t.Size)), len(t.Files))
	for _, f := range t.Files {
		kind := engine.Classify(f.Name)
		fmt.Fprintf(w, "  [%3d] %-10s %10s  %s\n", f.Index, kind, humanize.Bytes(uint64(f.Size)), f.Path)
	}
}

// ═══════════════════════════════════════════════════════════════════
// ENGINE COMMAND
// ═══════════════════════════════════════════════════════════════════

func newEngineCmd(a *app) *cobra.Command {
	var instances int
	cmd := &cobra.Command{
		Use:       "engine [swarm|daemon|hybrid]",
		Short:     "Show or persist the acquisition backend",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(engine.KindSwarm), string(engine.KindDaemon), string(engine.KindHybrid)},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				choice, ok := a.store.LoadChoice()
				source := a.store.Path()
				if !ok {
					kind, err := engine.ParseKind(a.cfg.Engine.Kind)
					if err != nil {
						return err
					}
					choice = engine.BackendConfig{Engine: kind, Instances: a.cfg.Engine.Instances}
					source = "config default"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d instance(s)) from %s\n", choice.Engine, choice.Instances, source)
				return nil
			}

			kind, err := engine.ParseKind(args[0])
			if err != nil {
				return err
			}
			choice := engine.BackendConfig{Engine: kind, Instances: instances}
			if err := choice.Validate(); err != nil {
				return err
			}
			if err := a.store.SaveChoice(choice); err != nil {
				return fmt.Errorf("save engine choice: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Engine set to %s (%d instance(s))\n", choice.Engine, choice.Instances)
			return nil
		},
	}
	cmd.Flags().IntVarP(&instances, "instances", "n", 1, fmt.Sprintf("engine instances (1-%d)", engine.MaxInstances))
	return cmd
}

// ═══════════════════════════════════════════════════════════════════
// DEBRID COMMAND
// ═══════════════════════════════════════════════════════════════════

func newDebridCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debrid",
		Short: "Use the debrid cloud cache",
	}

	var file int
	resolve := &cobra.Command{
		Use:   "resolve <magnet|hash>",
		Short: "Cache a torrent remotely and print a direct download URL for one file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newDebrid(a.cfg)
			if err != nil {
				return err
			}
			if svc == nil {
				return errNoDebrid
			}
			uri, _, err := magnet.Resolve(args[0])
			if err != nil {
				return err
			}
			link, err := svc.Resolve(cmd.Context(), uri, file)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
	resolve.Flags().IntVarP(&file, "file", "f", 0, "file index")

	files := &cobra.Command{
		Use:   "files <magnet|hash>",
		Short: "Submit a torrent and list the files the service reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newDebrid(a.cfg)
			if err != nil {
				return err
			}
			if svc == nil {
				return errNoDebrid
			}
			uri, _, err := magnet.Resolve(args[0])
			if err != nil {
				return err
			}
			job, err := svc.Prepare(cmd.Context(), uri)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s  %s  [%s]\n", job.ID, valueOr(job.Name, job.Hash), job.Status)
			for i, f := range job.Files {
				fmt.Fprintf(w, "  [%3d] %10s  %s\n", i, humanize.Bytes(uint64(f.Size)), f.Path)
			}
			return nil
		},
	}

	cmd.AddCommand(resolve, files)
	return cmd
}

var errNoDebrid = errors.New("debrid is not configured: set debrid.token or run 'truestream config'")

// ═══════════════════════════════════════════════════════════════════
// CONFIG COMMAND
// ═══════════════════════════════════════════════════════════════════

func newConfigCmd(a *app) *cobra.Command {
	var showOnly, jsonOutput, reset, initFile, force bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configure truestream (interactive wizard)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case initFile:
				path := valueOr(a.configPath, config.DefaultFile())
				if err := config.WriteDefault(path, force); err != nil {
					return err
				}
				cmd.PrintErrf("Wrote default configuration to %s\n", path)
				return nil
			case reset:
				if err := a.store.Save(config.DefaultUserConfig()); err != nil {
					return fmt.Errorf("reset config: %w", err)
				}
				cmd.PrintErrln("Configuration reset to defaults.")
				return nil
			case jsonOutput:
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(a.store.Load())
			case showOnly || !isInteractive():
				fmt.Fprint(cmd.OutOrStdout(), config.ShowConfig(a.store.Load(), a.cfg, a.loader.File()))
				return nil
			}
			return a.runConfigWizard(cmd)
		},
	}
	cmd.Flags().BoolVar(&showOnly, "show", false, "show current configuration without modifying")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the user configuration as JSON")
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the user configuration to defaults")
	cmd.Flags().BoolVar(&initFile, "init", false, "write a default YAML config file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file with --init")
	return cmd
}

func (a *app) runConfigWizard(cmd *cobra.Command) error {
	cmd.PrintErrf("truestream %s · Configuration\n\n", version)

	u := a.store.Load()
	kind := string(u.Engine)
	if kind == "" {
		kind = a.cfg.Engine.Kind
	}
	instancesStr := strconv.Itoa(max(u.Instances, 1))
	token := u.DebridToken

	// ── Section 1: Engine ──
	engineForm := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Acquisition engine").
				Description("Swarm: in-process BitTorrent client.\n"+
					"Daemon: supervised helper processes, one per instance.\n"+
					"Hybrid: swarm and daemon side by side, first to answer wins.").
				Options(
					huh.NewOption("Swarm (in-process)", string(engine.KindSwarm)),
					huh.NewOption("Daemon (external processes)", string(engine.KindDaemon)),
					huh.NewOption("Hybrid (swarm + daemon)", string(engine.KindHybrid)),
				).
				Value(&kind),
			huh.NewInput().
				Title(fmt.Sprintf("Engine instances (1-%d)", engine.MaxInstances)).
				Value(&instancesStr).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > engine.MaxInstances {
						return fmt.Errorf("must be between 1 and %d", engine.MaxInstances)
					}
					return nil
				}),
		).Title("Engine"),
	)
	if err := engineForm.Run(); err != nil {
		cmd.PrintErrln("Cancelled.")
		return nil
	}

	// ── Section 2: Debrid (optional) ──
	debridForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Debrid API token (optional, press Enter to skip)").
				Description("Lets truestream resolve cached torrents to direct links.").
				Placeholder("paste your API token here").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		).Title("Debrid Integration"),
	)
	if err := debridForm.Run(); err != nil {
		cmd.PrintErrln("Cancelled.")
		return nil
	}

	u.Engine = engine.Kind(kind)
	u.Instances, _ = strconv.Atoi(instancesStr)
	u.DebridToken = strings.TrimSpace(token)
	u.Configured = true
	if err := a.store.Save(u); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	u.Apply(a.cfg)
	cmd.PrintErr("\nConfiguration saved!\n\n")
	fmt.Fprint(cmd.OutOrStdout(), config.ShowConfig(u, a.cfg, a.loader.File()))
	return nil
}
