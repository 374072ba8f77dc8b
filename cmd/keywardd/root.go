package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devatadev/gokeyward/internal/config"
	"github.com/devatadev/gokeyward/internal/logging"
	"github.com/devatadev/gokeyward/internal/titlecache"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "keywardd",
		Short:         "Content-key vault server and cache tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "keyward.yaml", "path to configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newCacheCommand(&configPath))

	return root
}

func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logCfg := logging.FromEnv()
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, log, nil
}

func newCacheCommand(configPath *string) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Title metadata cache maintenance",
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear all cached title metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			tc, err := titlecache.Open(
				cfg.TitleCache.Path,
				cfg.TitleCache.TTLDuration(),
				cfg.TitleCache.MaxRetentionDuration(),
				log,
			)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.Reset(cmd.Context()); err != nil {
				return err
			}
			log.Info("title cache cleared")
			return nil
		},
	}

	cache.AddCommand(reset)
	return cache
}
