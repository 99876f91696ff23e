package main

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/offsite-dev/offsite/internal/config"
	"github.com/offsite-dev/offsite/onedrive"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize the OneDrive backend in a browser",
		Long: "Run the browser authorization flow for the configured OneDrive app\n" +
			"and print the resulting refresh token for the config file.",
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	if cfg.OneDrive == nil {
		return fmt.Errorf("no [onedrive] section in %s", flagConfigPath)
	}

	region, err := onedrive.ParseRegion(cfg.OneDrive.Region)
	if err != nil {
		return err
	}

	backend, err := onedrive.NewWithBrowser(cmd.Context(), onedrive.Config{
		ClientID:     cfg.OneDrive.ClientID,
		ClientSecret: cfg.OneDrive.ClientSecret,
		Region:       region,
		Root:         cfg.OneDrive.Root,
		Logger:       newLogger(),
	}, openBrowser)
	if err != nil {
		return err
	}
	defer backend.Close()

	fmt.Printf("Login successful. Add this to the [onedrive] section of %s:\n\nrefresh_token = %q\n",
		flagConfigPath, backend.RefreshToken())

	return nil
}

// openBrowser launches the platform browser for the given URL.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
