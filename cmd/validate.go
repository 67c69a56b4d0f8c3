package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/ingest"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
	"github.com/freshlocalharvest/market-pipeline/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate staged spreadsheet sources without publishing",
	Long:  "Reads the newest staged file for every spreadsheet dataset, runs the full normalize and validate pass, and prints valid/reject counts per reason. Nothing is written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		var records []model.MarketRecord
		for _, key := range registry.Keys() {
			ds, err := registry.Get(key)
			if err != nil {
				return err
			}
			if ds.Category != "" && ds.Category != "spreadsheet" {
				continue
			}

			path, err := registry.LatestFile(cfg.Ingest.RawDir, key)
			if err != nil {
				zap.L().Warn("no staged file for dataset", zap.String("dataset", key))
				continue
			}

			var batch []model.MarketRecord
			if ds.Schema == "v2" {
				batch, err = ingest.ReadV2Workbook(path, now)
			} else {
				batch, err = ingest.ReadLegacyWorkbook(path, now)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d records from %s\n", key, len(batch), path)
			records = append(records, batch...)
		}

		valid, rejects := validate.Partition(records)
		fmt.Printf("\nvalid: %d\nrejected: %d\n", len(valid), len(rejects))

		byReason := map[model.RejectReason]int{}
		for _, rej := range rejects {
			for _, reason := range rej.Reasons {
				byReason[reason]++
			}
		}
		reasons := make([]string, 0, len(byReason))
		for reason := range byReason {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Printf("  %-28s %d\n", reason, byReason[model.RejectReason(reason)])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
