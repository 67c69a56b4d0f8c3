package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/freshlocalharvest/market-pipeline/internal/store"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded ingest runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: runsLimit})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no ingest runs recorded")
			return nil
		}

		for _, run := range runs {
			fmt.Printf("%s  %s  total=%d valid=%d rejected=%d sources=%d\n",
				run.IngestedAt.Format("2006-01-02 15:04:05"),
				run.ID,
				run.RecordsTotal, run.RecordsValid, run.RecordsRejected,
				len(run.Sources),
			)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
	rootCmd.AddCommand(runsCmd)
}
