package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/config"
	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
	"github.com/freshlocalharvest/market-pipeline/internal/ingest"
	"github.com/freshlocalharvest/market-pipeline/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "market-pipeline",
	Short: "Farmers' market location data pipeline",
	Long:  "Ingests USDA spreadsheets, the SNAP retailer ArcGIS layer, and the legacy AMS locator, normalizes and validates records, derives centroid tables, and serves a read-only geospatial query API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "markets.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Ingest.UserAgent,
		Timeout:      time.Duration(cfg.Ingest.TimeoutSecs) * time.Second,
		MaxRetries:   cfg.Ingest.MaxRetries,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})
}

func loadRegistry() (*ingest.Registry, error) {
	return ingest.LoadRegistry(cfg.Ingest.DatasetsFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
