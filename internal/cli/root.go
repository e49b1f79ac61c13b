// Package cli implements the dweb command line: one-shot operations against
// the configured transports, and the server.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/app"
	"github.com/internetarchive/dweb-transports-sub000/internal/config"
	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/router"
)

// NewRootCmd returns the root cobra command for the dweb CLI.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dweb",
		Short:         "Fetch, store and list content across decentralized web transports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	addGlobalFlags(cmd)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusesCmd(stdout))
	cmd.AddCommand(newFetchCmd(stdout))
	cmd.AddCommand(newStoreCmd(stdout))
	cmd.AddCommand(newListCmd(stdout))
	cmd.AddCommand(newTokenCmd(stdout))

	return cmd
}

// Execute runs the CLI with the process stdio.
func Execute() int {
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withRouter connects the configured transports, runs fn and stops them.
func withRouter(cmd *cobra.Command, fn func(ctx context.Context, r *router.Router) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// One-shot commands log to stderr at the flag's level, warn by default.
	level, _ := cmd.Root().PersistentFlags().GetString("log-level")
	if err := logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"}); err != nil {
		return err
	}
	ctx := commandContext(cmd)
	r, err := app.NewRouter(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Stop(context.Background()); err != nil {
			logging.Warn("transport teardown incomplete", zap.Error(err))
		}
	}()
	return fn(ctx, r)
}

// loadConfig reads the environment and overlays the global flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyGlobalFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
