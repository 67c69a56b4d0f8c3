// Package pipeline orchestrates a full dataset rebuild: fetch and
// normalize every configured source, validate, derive centroids,
// publish atomically, and write the export artifacts and manifest.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/freshlocalharvest/market-pipeline/internal/address"
	"github.com/freshlocalharvest/market-pipeline/internal/centroid"
	"github.com/freshlocalharvest/market-pipeline/internal/export"
	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
	"github.com/freshlocalharvest/market-pipeline/internal/gazetteer"
	"github.com/freshlocalharvest/market-pipeline/internal/ingest"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
	"github.com/freshlocalharvest/market-pipeline/internal/store"
	"github.com/freshlocalharvest/market-pipeline/internal/validate"
)

// Options configures one pipeline run.
type Options struct {
	RawDir       string            // staged source files
	Profiles     export.Profiles   // export projections; empty skips exports
	RejectsPath  string            // rejects audit CSV; empty skips
	ZipPath      string            // zip centroid artifact; empty skips
	CityPath     string            // city centroid artifact; empty skips
	ManifestPath string            // manifest.json; empty skips
	Overrides    map[string]string // dataset key -> explicit staged file
	Gazetteer    bool              // seed ZIP centroids from Census ZCTA
	GazetteerDir string            // download cache for the ZCTA zip
	GazetteerURL string            // override for tests; empty uses the Census URL
	FetchWorkers int               // concurrent source fetches; default 3
}

// Pipeline wires the source clients, validators, store, and exporters.
type Pipeline struct {
	store    store.Store
	fetcher  fetcher.Fetcher
	registry *ingest.Registry
	arcgis   *ingest.ArcGISClient
	locator  *ingest.LocatorClient
	now      func() time.Time
}

// New creates a pipeline. The ArcGIS and locator clients share the
// fetcher's rate limits.
func New(st store.Store, f fetcher.Fetcher, registry *ingest.Registry) *Pipeline {
	return &Pipeline{
		store:    st,
		fetcher:  f,
		registry: registry,
		arcgis:   ingest.NewArcGISClient(f, ""),
		locator:  ingest.NewLocatorClient(f, ""),
		now:      time.Now,
	}
}

// sourceResult is one dataset's normalized batch plus its provenance.
type sourceResult struct {
	key     string
	records []model.MarketRecord
	meta    model.SourceMeta
}

// Run executes a full rebuild and returns the manifest.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*model.IngestRun, error) {
	ingestedAt := p.now().UTC().Truncate(time.Second)
	log := zap.L().With(zap.Time("ingested_at", ingestedAt))
	log.Info("pipeline: starting rebuild")

	results, err := p.collect(ctx, opts, ingestedAt)
	if err != nil {
		return nil, err
	}

	combined := combine(results)
	if len(combined) == 0 {
		return nil, eris.New("pipeline: no datasets produced records")
	}

	fillAddresses(combined)

	valid, rejects := validate.Partition(combined)

	tables := centroid.Build(valid)
	if opts.Gazetteer {
		seeded, err := p.seedZipCentroids(ctx, opts, tables)
		if err != nil {
			return nil, err
		}
		log.Info("pipeline: gazetteer seed merged", zap.Int("zips_added", seeded))
	}

	// Publish everything in one snapshot so readers never see new
	// markets paired with the previous run's centroids.
	snap := store.Snapshot{
		Markets:       valid,
		Rejects:       rejects,
		ZipCentroids:  tables.Zip,
		CityCentroids: tables.City,
	}
	if err := p.store.ReplaceDataset(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "pipeline: publish dataset")
	}

	exports, err := p.writeArtifacts(valid, rejects, tables, opts)
	if err != nil {
		return nil, err
	}

	run := &model.IngestRun{
		ID:              uuid.NewString(),
		SchemaVersion:   model.SchemaVersion,
		IngestedAt:      ingestedAt,
		RecordsTotal:    len(valid) + len(rejects),
		RecordsValid:    len(valid),
		RecordsRejected: len(rejects),
		Exports:         exports,
	}
	for _, res := range results {
		run.Sources = append(run.Sources, res.meta)
	}

	if err := p.store.RecordRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: record run")
	}
	if opts.ManifestPath != "" {
		if err := export.WriteManifest(run, opts.ManifestPath); err != nil {
			return nil, err
		}
	}

	log.Info("pipeline: rebuild complete",
		zap.String("run_id", run.ID),
		zap.Int("valid", run.RecordsValid),
		zap.Int("rejected", run.RecordsRejected))
	return run, nil
}

// collect fetches and normalizes every configured dataset, bounded to
// a few sources at a time. Results come back in registry key order.
func (p *Pipeline) collect(ctx context.Context, opts Options, ingestedAt time.Time) ([]sourceResult, error) {
	keys := p.registry.Keys()
	results := make([]sourceResult, len(keys))

	workers := opts.FetchWorkers
	if workers <= 0 {
		workers = 3
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	for i, key := range keys {
		g.Go(func() error {
			res, err := p.collectOne(gctx, opts, key, ingestedAt)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]sourceResult, 0, len(results))
	for _, res := range results {
		if res.key != "" {
			out = append(out, res)
		}
	}
	return out, nil
}

func (p *Pipeline) collectOne(ctx context.Context, opts Options, key string, ingestedAt time.Time) (sourceResult, error) {
	ds, err := p.registry.Get(key)
	if err != nil {
		return sourceResult{}, err
	}

	meta := model.SourceMeta{Dataset: key, Label: ds.Label}

	switch ds.Category {
	case "arcgis":
		records, err := p.arcgis.FetchMarkets(ctx, ingestedAt)
		if err != nil {
			return sourceResult{}, eris.Wrapf(err, "pipeline: dataset %s", key)
		}
		meta.Records = len(records)
		return sourceResult{key: key, records: records, meta: meta}, nil

	case "locator":
		records, err := p.locator.Sweep(ctx, ingestedAt)
		if err != nil {
			return sourceResult{}, eris.Wrapf(err, "pipeline: dataset %s", key)
		}
		meta.Records = len(records)
		return sourceResult{key: key, records: records, meta: meta}, nil

	default: // spreadsheet
		path := opts.Overrides[key]
		if path == "" {
			path, err = p.registry.LatestFile(opts.RawDir, key)
			if err != nil {
				// A missing staged file skips the dataset; a present but
				// malformed one still aborts the run.
				zap.L().Warn("pipeline: no source file for dataset", zap.String("dataset", key), zap.Error(err))
				return sourceResult{}, nil
			}
		}

		var records []model.MarketRecord
		if ds.Schema == "v2" {
			records, err = ingest.ReadV2Workbook(path, ingestedAt)
		} else {
			records, err = ingest.ReadLegacyWorkbook(path, ingestedAt)
		}
		if err != nil {
			return sourceResult{}, eris.Wrapf(err, "pipeline: dataset %s", key)
		}

		meta.Path = path
		meta.Records = len(records)
		if sum, sumErr := fetcher.SHA256File(path); sumErr == nil {
			meta.SHA256 = sum
		}
		return sourceResult{key: key, records: records, meta: meta}, nil
	}
}

// combine concatenates batches and drops repeat sightings of the same
// source-qualified record ID. First dataset in key order wins.
func combine(results []sourceResult) []model.MarketRecord {
	var total int
	for _, res := range results {
		total += len(res.records)
	}

	seen := make(map[string]bool, total)
	combined := make([]model.MarketRecord, 0, total)
	for _, res := range results {
		for _, rec := range res.records {
			recordID := rec.Source + ":" + rec.ID
			if rec.ID == "" || !seen[recordID] {
				seen[recordID] = true
				combined = append(combined, rec)
			}
		}
	}
	return combined
}

// fillAddresses completes each record's address fields in place.
// Structured sources get a synthesized raw address; free-text sources
// get missing components parsed out of theirs.
func fillAddresses(records []model.MarketRecord) {
	for i := range records {
		rec := &records[i]

		if rec.RawAddress == "" {
			rec.RawAddress = composeRawAddress(rec)
			continue
		}

		parsed := address.Parse(rec.RawAddress)
		if rec.Street == "" {
			rec.Street = parsed.Street
		}
		if rec.City == "" {
			rec.City = parsed.City
		}
		if rec.State == "" {
			rec.State = parsed.State
		}
		if rec.Zip == "" {
			rec.Zip = address.NormalizeZip(parsed.Zip)
		}
	}
}

// composeRawAddress rebuilds the single-line form from structured
// components, matching the "street, City, ST 12345" source shape.
func composeRawAddress(rec *model.MarketRecord) string {
	var parts []string
	if rec.Street != "" {
		parts = append(parts, rec.Street)
	}
	if rec.City != "" {
		parts = append(parts, rec.City)
	}
	stateZip := strings.TrimSpace(rec.State + " " + rec.Zip)
	if stateZip != "" {
		parts = append(parts, stateZip)
	}
	return strings.Join(parts, ", ")
}

// seedZipCentroids merges Census ZCTA centroids under the aggregated
// ones and returns how many ZIPs the seed added.
func (p *Pipeline) seedZipCentroids(ctx context.Context, opts Options, tables centroid.Tables) (int, error) {
	shpPath, err := gazetteer.Download(ctx, p.fetcher, opts.GazetteerURL, opts.GazetteerDir)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: gazetteer download")
	}
	seed, err := gazetteer.LoadCentroids(shpPath)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: gazetteer load")
	}
	return tables.MergeSeed(seed), nil
}

func (p *Pipeline) writeArtifacts(valid []model.MarketRecord, rejects []model.RejectedRecord, tables centroid.Tables, opts Options) (map[string]string, error) {
	exports := map[string]string{}

	if len(opts.Profiles) > 0 {
		written, err := export.Run(valid, opts.Profiles)
		if err != nil {
			return nil, err
		}
		for name, path := range written {
			exports[name] = path
		}
	}
	if opts.RejectsPath != "" {
		if err := export.WriteRejectsCSV(rejects, opts.RejectsPath); err != nil {
			return nil, err
		}
		exports["rejects"] = opts.RejectsPath
	}
	if opts.ZipPath != "" {
		if err := export.WriteCentroids(tables.Zip, opts.ZipPath); err != nil {
			return nil, err
		}
		exports["zip_centroids"] = opts.ZipPath
	}
	if opts.CityPath != "" {
		if err := export.WriteCentroids(tables.City, opts.CityPath); err != nil {
			return nil, err
		}
		exports["city_centroids"] = opts.CityPath
	}
	if len(exports) == 0 {
		return nil, nil
	}
	return exports, nil
}
