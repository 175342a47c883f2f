package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/docstore/internal/auth"
	"github.com/cuemby/docstore/internal/cache"
	"github.com/cuemby/docstore/internal/command"
	"github.com/cuemby/docstore/internal/config"
	"github.com/cuemby/docstore/internal/cursor"
	"github.com/cuemby/docstore/internal/events"
	"github.com/cuemby/docstore/internal/index"
	"github.com/cuemby/docstore/internal/log"
	"github.com/cuemby/docstore/internal/query"
	"github.com/cuemby/docstore/internal/server"
	"github.com/cuemby/docstore/internal/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "docstored",
	Short:   "docstored - a networked document database server",
	Long:    "docstored is a single-binary document database server: framed TCP wire protocol, LRU+TTL cache, B-tree secondary indexes, and a JSON-file document store.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("docstored version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().String("environment", "development", "deployment environment name (affects default log format)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(dumpCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	environment, _ := rootCmd.PersistentFlags().GetString("environment")
	if environment == "production" {
		jsonOut = true
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the docstored server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		memCache := cache.New(cache.Config{
			MaxItems:   int(cfg.MaxCacheItemCount),
			MaxBytes:   int64(cfg.MaxCacheSizeBytes),
			DefaultTTL: time.Duration(cfg.DefaultCacheTTLMs) * time.Millisecond,
		}, broker)
		defer memCache.Close()

		checkpoint, err := index.OpenCheckpointStore(cfg.DataPath)
		if err != nil {
			return fmt.Errorf("open index checkpoint store: %w", err)
		}
		indexes := index.NewManager(checkpoint)
		defer indexes.Close()

		s := store.New(cfg.DataPath, store.WithCache(memCache), store.WithIndexes(indexes))
		if err := s.Initialize(); err != nil {
			return fmt.Errorf("initialize store: %w", err)
		}
		defer s.Close()

		exec := &query.Executor{Store: s, Indexes: indexes}
		handler := command.New(s, exec)
		cursors := cursor.NewManager(exec, broker)
		defer cursors.Stop()

		masterPassword := ""
		if cfg.RequireAuthentication {
			masterPassword = cfg.MasterPassword
		}
		authn := auth.New(masterPassword, int(cfg.TokenExpirationHours))

		srv := server.New(cfg, handler, cursors, authn)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				errCh <- err
			}
		}()

		log.Logger.Info().Str("host", cfg.Host).Uint16("port", cfg.Port).Msg("docstored started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			cancel()
			return fmt.Errorf("server error: %w", err)
		}

		cancel()
		srv.Stop()
		log.Logger.Info().Msg("shutdown complete")
		return nil
	},
}
