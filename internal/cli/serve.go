package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ilnaes/gopost/internal/config"
	"github.com/ilnaes/gopost/internal/feed"
	"github.com/ilnaes/gopost/internal/server"
	"github.com/ilnaes/gopost/internal/store"
)

type ServeOptions struct {
	*RootOptions
	Config string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the board server",
		Long: `Run the board server.

Settings are read from an optional YAML file, then from the environment.
A .env file in the working directory is loaded first.

Example:
  gopost serve --config gopost.yaml
  GOPOST_SECRET=changeme gopost serve -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to a YAML config file")
	return cmd
}

func serve(ctx context.Context, opts *ServeOptions) error {
	log := opts.logger(os.Stderr)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.Info("opened store", "driver", cfg.Store.Driver)

	f, err := openFeed(ctx, cfg.Feed, log)
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()

	return server.New(cfg, st, f, log).Run(ctx)
}

func openFeed(ctx context.Context, cfg config.Feed, log *slog.Logger) (feed.Feed, error) {
	switch cfg.Driver {
	case "", "memory":
		return feed.NewMemory(), nil
	case "redis":
		return feed.NewRedis(ctx, cfg.RedisAddr, log)
	default:
		return nil, fmt.Errorf("unknown feed driver %q", cfg.Driver)
	}
}
