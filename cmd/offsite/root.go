// Command offsite uploads files to the configured offsite backends.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// defaultConfigPath returns ~/.config/offsite/config.toml, or the bare
// filename if the home directory cannot be determined.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}

	return home + "/.config/offsite/config.toml"
}

// newRootCmd builds the fully-assembled root command. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "offsite",
		Short:   "Upload files to offsite storage backends",
		Long:    "offsite uploads files to local, WebDAV, and OneDrive storage backends.",
		Version: version,
		// We print errors ourselves via RunE return values.
		SilenceErrors: false,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath(), "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress status output")

	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// newLogger builds the slog logger used by every backend. Debug level
// with --verbose, warnings and up otherwise.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// statusf prints a progress message to stderr unless --quiet is set or
// stderr is not a terminal (piped logs stay machine-readable).
func statusf(format string, args ...any) {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return
	}

	fmt.Fprintf(os.Stderr, format, args...)
}
