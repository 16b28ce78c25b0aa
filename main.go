package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "geoipsync",
		Short:         "Keeps a local MaxMind GeoIP database current and serves lookups from it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./config.yaml", "path to the YAML config")

	root.AddCommand(newServeCommand(&configPath), newUpdateCommand(&configPath))
	return root
}

func loadConfig(path string) (*Config, error) {
	conf, err := ParseConfig(path)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(logrus.Level(conf.LogLevel))
	return conf, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve region lookups and update the database periodically",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			storage := NewRegionStorage(conf.DatabasePath(), conf.LookupCacheSize)
			defer storage.Close()

			scheduler := NewScheduler(conf, storage)
			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			defer scheduler.Stop()

			if err := storage.Watch(ctx); err != nil {
				logrus.Warnf("geoip database changes will not be picked up: %v", err)
			}

			return NewServer(conf, storage, scheduler).Run(ctx)
		},
	}
}

func newUpdateCommand(configPath *string) *cobra.Command {
	var (
		force     bool
		editionID string
		dataDir   string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the local database once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if editionID != "" {
				conf.EditionID = editionID
			}
			if dataDir != "" {
				conf.DataDir = dataDir
			}

			if !conf.HasCredentials() {
				logrus.Warnf("%s and %s must be set, skipping the update", envAccountID, envLicenseKey)
				return nil
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			updated, err := UpdateGeoipDatabase(ctx, conf.UpdateOptions(force))
			if err != nil {
				return errors.Wrap(err, "geoip database update failed")
			}
			if updated {
				logrus.Infof("geoip database %s updated", conf.DatabasePath())
			} else {
				logrus.Infof("geoip database %s is up to date", conf.DatabasePath())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the freshness window and conditional requests")
	cmd.Flags().StringVar(&editionID, "edition-id", "", "database edition (default from config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory holding the database (default from config)")

	return cmd
}
