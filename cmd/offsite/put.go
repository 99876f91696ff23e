package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/offsite-dev/offsite/internal/config"
)

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file> [dest]",
		Short: "Upload a single file",
		Long: "Upload a file to every configured backend. dest is relative to each\n" +
			"backend's root; it defaults to the file's base name.",
		Args: cobra.RangeArgs(1, 2),
		RunE: runPut,
	}
}

func runPut(cmd *cobra.Command, args []string) error {
	source := args[0]

	dest := filepath.Base(source)
	if len(args) == 2 {
		dest = args[1]
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	logger := newLogger()

	backend, cleanup, err := buildBackends(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", source, err)
	}

	statusf("uploading %s (%d bytes) to %s...\n", source, info.Size(), dest)

	if err := backend.Upload(cmd.Context(), f, info.Size(), dest); err != nil {
		return err
	}

	statusf("uploaded %s\n", dest)

	return nil
}
