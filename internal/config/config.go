// Package config loads the offsite TOML configuration file and applies
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/offsite-dev/offsite/onedrive"
)

// Config is the top-level TOML document. Each present section enables
// one backend; at least one must be configured.
type Config struct {
	Local    *LocalConfig    `toml:"local"`
	WebDAV   *WebDAVConfig   `toml:"webdav"`
	OneDrive *OneDriveConfig `toml:"onedrive"`
}

// LocalConfig configures the local-directory backend.
type LocalConfig struct {
	Root string `toml:"root"`
}

// WebDAVConfig configures the WebDAV backend. Password may come from
// OFFSITE_WEBDAV_PASSWORD instead of the file.
type WebDAVConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// OneDriveConfig configures the Graph drive backend. ClientSecret and
// RefreshToken may come from OFFSITE_ONEDRIVE_CLIENT_SECRET and
// OFFSITE_ONEDRIVE_REFRESH_TOKEN instead of the file.
type OneDriveConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	Region       string `toml:"region"`
	Root         string `toml:"root"`
}

// Environment variable names for secret overrides.
const (
	EnvWebDAVPassword       = "OFFSITE_WEBDAV_PASSWORD"
	EnvOneDriveClientSecret = "OFFSITE_ONEDRIVE_CLIENT_SECRET"
	EnvOneDriveRefreshToken = "OFFSITE_ONEDRIVE_REFRESH_TOKEN"
)

// Load reads and parses a TOML config file, applies environment
// overrides, and validates the result. Unknown keys are fatal —
// silently ignoring a typo in a config file leads to hard-to-debug
// behavior.
func Load(path string) (*Config, error) {
	var cfg Config

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays secret values from the environment. Environment
// always wins over the file so secrets can stay out of it entirely.
func applyEnv(cfg *Config) {
	if cfg.WebDAV != nil {
		if v := os.Getenv(EnvWebDAVPassword); v != "" {
			cfg.WebDAV.Password = v
		}
	}

	if cfg.OneDrive != nil {
		if v := os.Getenv(EnvOneDriveClientSecret); v != "" {
			cfg.OneDrive.ClientSecret = v
		}

		if v := os.Getenv(EnvOneDriveRefreshToken); v != "" {
			cfg.OneDrive.RefreshToken = v
		}
	}
}

// Validate checks cross-field requirements after load and overrides.
func Validate(cfg *Config) error {
	if cfg.Local == nil && cfg.WebDAV == nil && cfg.OneDrive == nil {
		return fmt.Errorf("no backends configured: add a [local], [webdav], or [onedrive] section")
	}

	if cfg.Local != nil && cfg.Local.Root == "" {
		return fmt.Errorf("local: root is required")
	}

	if cfg.WebDAV != nil && cfg.WebDAV.URL == "" {
		return fmt.Errorf("webdav: url is required")
	}

	if cfg.OneDrive != nil {
		return validateOneDrive(cfg.OneDrive)
	}

	return nil
}

func validateOneDrive(od *OneDriveConfig) error {
	if od.ClientID == "" {
		return fmt.Errorf("onedrive: client_id is required")
	}

	if od.Root == "" {
		return fmt.Errorf("onedrive: root is required (use \"/\" for the drive root)")
	}

	if _, err := onedrive.ParseRegion(od.Region); err != nil {
		return err
	}

	return nil
}
