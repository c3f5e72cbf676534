package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/torrentclaw/truestream/internal/config"
	"github.com/torrentclaw/truestream/internal/logging"
)

var version = "dev"

func main() {
	// Must be the first call. It may re-exec the process via syscall.Exec,
	// which requires that no goroutines or resources exist yet.
	ensureClassicFileIO()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	loader *config.Loader
	cfg    *config.Config
	store  *config.Store
	logs   io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "truestream",
		Short:        "Acquire and stream torrent content through swarm, daemon or debrid backends",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logs != nil {
				a.logs.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default ~/.truestream/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "trace, debug, info, warn or error")

	root.AddCommand(
		newServeCmd(a),
		newDaemonCmd(a),
		newAddCmd(a),
		newEngineCmd(a),
		newDebridCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.store = config.NewStore("")
	// --init creates the file the loader would otherwise fail to read.
	if cmd.Name() == "config" && cmd.Flags().Changed("init") {
		return nil
	}

	a.loader = config.NewLoader(a.configPath)
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	a.store.Load().Apply(cfg)
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	// Daemon children share the parent's config file; only the parent
	// writes the rotated log, children log through the supervisor.
	if cmd.Name() == "daemon" {
		cfg.Log.Path = ""
	}
	a.cfg = cfg

	a.logs, err = logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})
	if err != nil {
		return err
	}
	log.Debug().Str("config", valueOr(a.loader.File(), "defaults")).Str("user", a.store.Path()).Msg("Configuration loaded")
	return nil
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		// Version output needs no config or logging.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "truestream %s\n", version)
		},
	}
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

// ensureClassicFileIO forces the classic file I/O backend for the
// anacrolix/torrent storage layer. The library defaults to mmap file I/O on
// Linux, which raises fatal bus errors when files are truncated while pieces
// are being hashed. Classic os.File I/O reports EOF instead.
//
// The storage package reads TORRENT_STORAGE_DEFAULT_FILE_IO in its init(),
// before main() runs, so the process must re-exec for the value to apply.
// Daemon children inherit it through the supervisor environment.
func ensureClassicFileIO() {
	const envKey = "TORRENT_STORAGE_DEFAULT_FILE_IO"

	// Invalid values make the library panic in init(), so presence is enough.
	if _, ok := os.LookupEnv(envKey); ok {
		return
	}

	os.Setenv(envKey, "classic")
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot determine executable path: %v (mmap storage active, SIGBUS risk)\n", err)
		return
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: re-exec failed (%v), mmap storage active, SIGBUS risk\n", err)
	}
}
