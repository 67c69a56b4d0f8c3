package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
)

var stageCmd = &cobra.Command{
	Use:   "stage <dataset> <file>",
	Short: "Copy a downloaded source file into the raw staging area",
	Long:  "Stages the file under the dataset's configured prefix with the UTC date and a content checksum in the name, so `run` picks up the newest staged copy.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := loadRegistry()
		if err != nil {
			return err
		}
		ds, err := registry.Get(args[0])
		if err != nil {
			return err
		}

		staged, err := fetcher.Stage(args[1], cfg.Ingest.RawDir, ds.Prefix)
		if err != nil {
			return err
		}

		fmt.Printf("staged %s\n  sha256 %s\n  %d bytes\n", staged.Path, staged.SHA256, staged.Size)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stageCmd)
}
