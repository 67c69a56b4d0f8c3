package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/export"
	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
	"github.com/freshlocalharvest/market-pipeline/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Rewrite the export artifacts from the published store",
	Long:  "Regenerates the profile projections, centroid JSON files, and manifest from the currently published dataset, without re-running ingest.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		profiles, err := export.LoadProfiles(cfg.Export.ProfilesFile)
		if err != nil {
			return err
		}

		records, err := st.Markets(ctx, geoquery.Filter{OrderByName: true})
		if err != nil {
			return err
		}

		written, err := export.Run(records, profiles)
		if err != nil {
			return err
		}
		for name, path := range written {
			fmt.Printf("%s -> %s\n", name, path)
		}

		for _, c := range []struct {
			kind store.CentroidKind
			path string
		}{
			{store.CentroidZip, cfg.Export.ZipCentroidsPath},
			{store.CentroidCity, cfg.Export.CityCentroidsPath},
		} {
			table, err := st.GetCentroids(ctx, c.kind)
			if err != nil {
				return err
			}
			if err := export.WriteCentroids(table, c.path); err != nil {
				return err
			}
			fmt.Printf("%s centroids -> %s (%d keys)\n", c.kind, c.path, len(table))
		}

		run, err := st.LatestRun(ctx)
		if err != nil {
			zap.L().Warn("no recorded ingest run, skipping manifest", zap.Error(err))
			return nil
		}
		if err := export.WriteManifest(run, cfg.Export.ManifestPath); err != nil {
			return err
		}
		fmt.Printf("manifest -> %s\n", cfg.Export.ManifestPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
