package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// ErrNotFound is returned by lookups for ids that do not exist.
var ErrNotFound = eris.New("store: not found")

// CentroidKind selects one of the derived centroid tables.
type CentroidKind string

const (
	CentroidZip  CentroidKind = "zip"
	CentroidCity CentroidKind = "city"
)

// RunFilter specifies criteria for listing ingest runs.
type RunFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Snapshot is everything one ingest run serves: the rebuilt markets
// and rejects tables plus both derived centroid tables. Publishing
// them together keeps markets and centroids from the same run.
type Snapshot struct {
	Markets       []model.MarketRecord
	Rejects       []model.RejectedRecord
	ZipCentroids  model.CentroidTable
	CityCentroids model.CentroidTable
}

// Store defines the persistence interface for the market pipeline.
// Markets and CountMarkets satisfy geoquery.Source, so any Store can
// back the query engine directly.
type Store interface {
	// Dataset publish. The served tables are replaced wholesale per
	// ingest run in one transaction; readers never observe a partially
	// loaded table or new markets paired with stale centroids.
	ReplaceDataset(ctx context.Context, snap Snapshot) error

	// Markets
	Markets(ctx context.Context, f geoquery.Filter) ([]model.MarketRecord, error)
	CountMarkets(ctx context.Context, f geoquery.Filter) (int, error)
	GetMarket(ctx context.Context, id string) (*model.MarketRecord, error)

	// Rejects audit trail
	Rejects(ctx context.Context, limit, offset int) ([]model.RejectedRecord, error)

	// Derived centroid tables
	GetCentroids(ctx context.Context, kind CentroidKind) (model.CentroidTable, error)

	// Ingest run manifests
	RecordRun(ctx context.Context, run *model.IngestRun) error
	LatestRun(ctx context.Context) (*model.IngestRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// snapPtr converts a TriState to the nullable bool stored in the
// accepts_snap column.
func snapPtr(t model.TriState) *bool {
	v, known := t.Bool()
	if !known {
		return nil
	}
	return &v
}

func centroidTableName(kind CentroidKind) (string, error) {
	switch kind {
	case CentroidZip:
		return "zip_centroids", nil
	case CentroidCity:
		return "city_centroids", nil
	default:
		return "", eris.Errorf("store: unknown centroid kind %q", kind)
	}
}

type scannable interface {
	Scan(dest ...any) error
}

// noRows covers both drivers' empty-result sentinels.
func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// scanMarket decodes one markets row. Both store implementations share
// the column order of marketColumns.
func scanMarket(row scannable) (*model.MarketRecord, error) {
	var m model.MarketRecord
	var lat, lon sql.NullFloat64
	var snap sql.NullBool
	var updatedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.Name, &m.Street, &m.City, &m.State, &m.Zip,
		&lat, &lon, &m.Website, &m.Phone, &snap,
		&m.HoursRaw, &m.SeasonStart, &m.SeasonEnd,
		&m.Source, &m.SourceFile, &updatedAt, &m.IngestedAt,
	)
	if err != nil {
		if noRows(err) {
			return nil, err
		}
		return nil, eris.Wrap(err, "store: scan market")
	}

	if lat.Valid {
		m.Lat = &lat.Float64
	}
	if lon.Valid {
		m.Lon = &lon.Float64
	}
	if snap.Valid {
		m.AcceptsSNAP = model.TriStateOf(&snap.Bool)
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		m.SourceUpdatedAt = &t
	}
	return &m, nil
}

func decodeReject(recordJSON, reasons string) (*model.RejectedRecord, error) {
	var r model.RejectedRecord
	if err := json.Unmarshal([]byte(recordJSON), &r.Record); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal reject record")
	}
	for _, tag := range strings.Split(reasons, ";") {
		if tag != "" {
			r.Reasons = append(r.Reasons, model.RejectReason(tag))
		}
	}
	return &r, nil
}

func decodeRun(manifest string) (*model.IngestRun, error) {
	var r model.IngestRun
	if err := json.Unmarshal([]byte(manifest), &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run manifest")
	}
	return &r, nil
}
