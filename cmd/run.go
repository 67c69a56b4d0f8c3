package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/export"
	"github.com/freshlocalharvest/market-pipeline/internal/pipeline"
)

var (
	runFiles     map[string]string
	runGazetteer bool
	runNoExports bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full ingest pipeline and publish the dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		registry, err := loadRegistry()
		if err != nil {
			return err
		}

		opts := pipeline.Options{
			RawDir:       cfg.Ingest.RawDir,
			Overrides:    runFiles,
			Gazetteer:    runGazetteer || cfg.Gazetteer.Enabled,
			GazetteerDir: cfg.Gazetteer.Dir,
			GazetteerURL: cfg.Gazetteer.URL,
			FetchWorkers: cfg.Ingest.FetchWorkers,
		}

		if !runNoExports {
			profiles, err := export.LoadProfiles(cfg.Export.ProfilesFile)
			if err != nil {
				if os.IsNotExist(eris.Cause(err)) {
					zap.L().Warn("no export profiles file, skipping exports",
						zap.String("path", cfg.Export.ProfilesFile))
				} else {
					return err
				}
			}
			opts.Profiles = profiles
			opts.RejectsPath = cfg.Export.RejectsPath
			opts.ZipPath = cfg.Export.ZipCentroidsPath
			opts.CityPath = cfg.Export.CityCentroidsPath
			opts.ManifestPath = cfg.Export.ManifestPath
		}

		p := pipeline.New(st, initFetcher(), registry)
		run, err := p.Run(ctx, opts)
		if err != nil {
			return err
		}

		zap.L().Info("pipeline run complete",
			zap.String("run_id", run.ID),
			zap.Int("total", run.RecordsTotal),
			zap.Int("valid", run.RecordsValid),
			zap.Int("rejected", run.RecordsRejected),
		)
		return nil
	},
}

func init() {
	runCmd.Flags().StringToStringVar(&runFiles, "file", nil, "explicit staged file per dataset (key=path)")
	runCmd.Flags().BoolVar(&runGazetteer, "gazetteer", false, "seed ZIP centroids from the Census ZCTA shapefile")
	runCmd.Flags().BoolVar(&runNoExports, "no-exports", false, "publish to the store only, skip artifact files")
	rootCmd.AddCommand(runCmd)
}
