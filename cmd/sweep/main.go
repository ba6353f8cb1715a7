package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/maintenance"
	"github.com/adirai/community-api/internal/storage"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	dryRun  bool
	timeout time.Duration

	rootCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep against the configured store and print the result",
		RunE:  runSweep,
	}
)

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the purge cutoffs without deleting anything")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort the sweep after this long")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stderr)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	clk := clock.System{}
	opts := maintenance.OptionsFromConfig(cfg)

	if dryRun {
		svc := maintenance.NewService(opts, storage.NewMemoryStore(), nil, clk)
		return printJSON(svc.Cutoffs(clk.Now()))
	}

	store, err := storage.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	var archive storage.Archive
	if cfg.TelemetrySink == "blob" {
		archive, err = storage.NewAzureArchive(ctx, cfg.StorageAccount, cfg.StorageContainer)
		if err != nil {
			return fmt.Errorf("failed to open telemetry archive: %w", err)
		}
	}

	stats, err := maintenance.NewService(opts, store, archive, clk).RunSafely(ctx)
	if printErr := printJSON(stats); printErr != nil {
		return printErr
	}
	return err
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
