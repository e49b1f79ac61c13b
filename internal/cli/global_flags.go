package cli

import (
	"github.com/spf13/cobra"

	"github.com/internetarchive/dweb-transports-sub000/internal/config"
)

// addGlobalFlags adds persistent flags that override the environment.
func addGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.String("transports", "", "JSON file listing transport specs (overrides TRANSPORTS_FILE)")
	pf.String("storage", "", "Root of the default local transport (overrides LOCAL_STORAGE_PATH)")
	pf.StringSlice("paused", nil, "Transports to leave paused at startup")
	pf.String("names", "", "JSON name table (overrides NAMES_FILE)")
	pf.String("mirror", "", "Rewrite content URLs to this mirror (overrides MIRROR_URL)")
	pf.Duration("timeout", 0, "Per-transport fetch timeout (overrides FETCH_TIMEOUT)")
	pf.String("log-level", "warn", "Log level: debug, info, warn, error")
}

// applyGlobalFlags copies the flags the user set onto cfg.
func applyGlobalFlags(cmd *cobra.Command, cfg *config.Config) {
	pf := cmd.Root().PersistentFlags()
	if pf.Changed("transports") {
		cfg.TransportsFile, _ = pf.GetString("transports")
	}
	if pf.Changed("storage") {
		cfg.LocalStoragePath, _ = pf.GetString("storage")
	}
	if pf.Changed("paused") {
		cfg.PausedTransports, _ = pf.GetStringSlice("paused")
	}
	if pf.Changed("names") {
		cfg.NamesFile, _ = pf.GetString("names")
	}
	if pf.Changed("mirror") {
		cfg.MirrorURL, _ = pf.GetString("mirror")
	}
	if pf.Changed("timeout") {
		cfg.FetchTimeout, _ = pf.GetDuration("timeout")
	}
	if pf.Changed("log-level") {
		cfg.LogLevel, _ = pf.GetString("log-level")
	}
}
