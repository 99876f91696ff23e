package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/offsite-dev/offsite"
	"github.com/offsite-dev/offsite/internal/config"
	"github.com/offsite-dev/offsite/local"
	"github.com/offsite-dev/offsite/onedrive"
	"github.com/offsite-dev/offsite/webdav"
)

// buildBackends constructs every configured backend. The returned
// cleanup stops background work (the OneDrive token refresher) and must
// be called before exit.
func buildBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (offsite.Backend, func(), error) {
	var (
		backends []offsite.Backend
		cleanup  = func() {}
	)

	if cfg.Local != nil {
		backends = append(backends, local.New(cfg.Local.Root, logger))
	}

	if cfg.WebDAV != nil {
		wd, err := webdav.New(cfg.WebDAV.URL, cfg.WebDAV.Username, cfg.WebDAV.Password, logger)
		if err != nil {
			return nil, nil, err
		}

		backends = append(backends, wd)
	}

	if cfg.OneDrive != nil {
		od, err := newOneDriveBackend(ctx, cfg.OneDrive, logger)
		if err != nil {
			return nil, nil, err
		}

		backends = append(backends, od)
		cleanup = od.Close
	}

	if len(backends) == 0 {
		return nil, nil, fmt.Errorf("no backends configured")
	}

	if len(backends) == 1 {
		return backends[0], cleanup, nil
	}

	return offsite.NewMulti(backends...), cleanup, nil
}

func newOneDriveBackend(ctx context.Context, od *config.OneDriveConfig, logger *slog.Logger) (*onedrive.Backend, error) {
	region, err := onedrive.ParseRegion(od.Region)
	if err != nil {
		return nil, err
	}

	return onedrive.New(ctx, onedrive.Config{
		ClientID:     od.ClientID,
		ClientSecret: od.ClientSecret,
		RefreshToken: od.RefreshToken,
		Region:       region,
		Root:         od.Root,
		Logger:       logger,
	})
}
