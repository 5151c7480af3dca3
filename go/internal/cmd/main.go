package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/modulith/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	store      string
	transport  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "modulith",
		Short:         "Modular monolith runtime",
		Long:          "Runs the user access and audit modules: the RPC API, the outbox and internal command workers, and schema migrations.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.store, "store", "", "storage backend: memory or postgres")
	rootCmd.PersistentFlags().StringVar(&flags.transport, "transport", "", "event transport: local, nats, rabbitmq or log")

	rootCmd.AddCommand(newAPICmd(flags), newWorkerCmd(flags), newMigrateCmd(flags))
	return rootCmd
}

// load resolves the config and applies command line overrides on top.
func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.store != "" {
		cfg.Store = f.store
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	setupLogging(cfg.Log)
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
