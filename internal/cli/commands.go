package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/internetarchive/dweb-transports-sub000/internal/app"
	"github.com/internetarchive/dweb-transports-sub000/internal/auth"
	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/router"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API over the configured transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
				return err
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			r, err := app.NewRouter(ctx, cfg)
			if err != nil {
				return err
			}
			return app.Serve(ctx, cfg, r)
		},
	}
}

func newStatusesCmd(stdout io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "statuses",
		Short: "Connect the configured transports and print their statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRouter(cmd, func(ctx context.Context, r *router.Router) error {
				statuses := r.Statuses()
				switch output {
				case "json":
					enc := json.NewEncoder(stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(statuses)
				case "table", "":
					tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "NAME\tSTATUS")
					for _, st := range statuses {
						fmt.Fprintf(tw, "%s\t%s\n", st.Name, st.Status)
					}
					return tw.Flush()
				default:
					return fmt.Errorf("unsupported --output: %s", output)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}

func newFetchCmd(stdout io.Writer) *cobra.Command {
	var opts transport.FetchOptions
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch content from the first transport that has it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRouter(cmd, func(ctx context.Context, r *router.Router) error {
				data, err := r.Fetch(ctx, args, opts)
				if err != nil {
					return err
				}
				_, err = stdout.Write(data)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&opts.NoCache, "nocache", false, "Bypass transport caches")
	cmd.Flags().BoolVar(&opts.Relay, "relay", false, "Store the content on transports that missed it")
	return cmd
}

func newStoreCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "store [FILE]",
		Short: "Store a file (or stdin) on every transport that accepts it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			return withRouter(cmd, func(ctx context.Context, r *router.Router) error {
				urls, err := r.Store(ctx, data)
				if err != nil {
					return err
				}
				for _, u := range urls {
					fmt.Fprintln(stdout, u)
				}
				return nil
			})
		},
	}
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func newListCmd(stdout io.Writer) *cobra.Command {
	var reverse bool
	cmd := &cobra.Command{
		Use:   "list URL...",
		Short: "Print the merged signatures of a list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRouter(cmd, func(ctx context.Context, r *router.Router) error {
				list := r.List
				if reverse {
					list = r.Reverse
				}
				sigs, err := list(ctx, args)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(sigs)
			})
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "List the lists that reference the URLs")
	return cmd
}

func newTokenCmd(stdout io.Writer) *cobra.Command {
	var (
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue a bearer token for the API, signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			token, expires, err := auth.New(cfg.JWTSecret).IssueToken(args[0], admin, ttl)
			if errors.Is(err, auth.ErrNoSecret) {
				return errors.New("JWT_SECRET is not set")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
