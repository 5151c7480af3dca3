package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mcdev12/modulith/go/internal/config"
	"github.com/mcdev12/modulith/go/internal/schema"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newAPICmd(flags *rootFlags) *cobra.Command {
	var withWorkers bool

	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the RPC API",
		Long:  "Serves the user access and ops services. With the memory store the background workers always run in-process, since nothing else can see the data.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Store == config.StoreMemory {
				withWorkers = true
			}
			return runAPI(cmd.Context(), cfg, withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "also run the outbox and internal command workers")
	return cmd
}

func newWorkerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the outbox publisher, internal command dispatcher and event consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("worker needs the %s store; use api with the %s store instead", config.StorePostgres, cfg.Store)
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDatabase(cmd.Context(), flags, func(db *sql.DB) error {
					return schema.Apply(db)
				})
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Revert migrations (one by default)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}
				return withDatabase(cmd.Context(), flags, func(db *sql.DB) error {
					return schema.Down(db, steps)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDatabase(cmd.Context(), flags, func(db *sql.DB) error {
					version, dirty, ok, err := schema.Version(db)
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
					return nil
				})
			},
		},
	)
	return migrateCmd
}

func runAPI(parent context.Context, cfg config.Config, withWorkers bool) error {
	ctx, stop := signalContext(parent)
	defer stop()

	app, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close application")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if withWorkers {
		if err := app.startWorkers(ctx, g); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}

	server, err := setupServer(app)
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Bool("workers", withWorkers).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runWorker(parent context.Context, cfg config.Config) error {
	ctx, stop := signalContext(parent)
	defer stop()

	app, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close application")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if err := app.startWorkers(ctx, g); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	log.Info().Msg("worker running")
	return g.Wait()
}

func withDatabase(ctx context.Context, flags *rootFlags, fn func(db *sql.DB) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}

	db, err := setupDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
