package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/offsite-dev/offsite"
	"github.com/offsite-dev/offsite/internal/config"
)

// settleDelay is how long a file must stay quiet after its last write
// event before it is uploaded. Editors and copies emit bursts of
// writes; uploading mid-burst ships a torn file.
const settleDelay = 2 * time.Second

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch a directory and upload files as they appear",
		Long: "Watch a directory for new or modified files and upload each one to\n" +
			"every configured backend once it stops changing. Not a sync: files are\n" +
			"only ever pushed, never compared or deleted remotely.",
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	dir := args[0]

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

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	statusf("watching %s\n", dir)

	w := &uploadWatcher{
		dir:     dir,
		backend: backend,
		logger:  logger,
		settle:  settleDelay,
		timers:  make(map[string]*time.Timer),
	}

	return w.run(cmd.Context(), watcher)
}

// uploadWatcher debounces write events per file and uploads each file
// once it settles.
type uploadWatcher struct {
	dir     string
	backend offsite.Backend
	logger  *slog.Logger
	settle  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func (w *uploadWatcher) run(ctx context.Context, watcher *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			w.schedule(ctx, event.Name)
		}
	}
}

// schedule (re)arms the settle timer for a path. Each new event while
// the file is still being written pushes the upload back.
func (w *uploadWatcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[name]; ok {
		t.Reset(w.settle)
		return
	}

	w.timers[name] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()

		w.upload(ctx, name)
	})
}

func (w *uploadWatcher) upload(ctx context.Context, name string) {
	info, err := os.Stat(name)
	if err != nil || info.IsDir() {
		return
	}

	dest, err := filepath.Rel(w.dir, name)
	if err != nil {
		dest = filepath.Base(name)
	}

	dest = filepath.ToSlash(dest)

	f, err := os.Open(name)
	if err != nil {
		w.logger.Warn("cannot open changed file",
			slog.String("path", name),
			slog.String("error", err.Error()),
		)

		return
	}
	defer f.Close()

	statusf("uploading %s...\n", dest)

	if err := w.backend.Upload(ctx, f, info.Size(), dest); err != nil {
		w.logger.Error("upload failed",
			slog.String("path", dest),
			slog.String("error", err.Error()),
		)

		return
	}

	statusf("uploaded %s\n", dest)
}
