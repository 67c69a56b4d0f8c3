package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func fl(v float64) *float64 { return &v }

func testMarkets() []model.MarketRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []model.MarketRecord{
		{
			ID: "1000001", Name: "Capitol Square Market",
			Street: "1 Capitol Sq", City: "Columbus", State: "OH", Zip: "43215",
			Lat: fl(39.9612), Lon: fl(-82.9988),
			AcceptsSNAP: model.True, Source: "usda", IngestedAt: now,
		},
		{
			ID: "1000002", Name: "Clintonville Farmers Market",
			City: "Columbus", State: "OH", Zip: "43214",
			Lat: fl(40.0520), Lon: fl(-83.0160),
			AcceptsSNAP: model.False, Source: "usda", IngestedAt: now,
		},
		{
			ID: "1000003", Name: "Pike Place Stand",
			City: "Seattle", State: "WA", Zip: "98101",
			AcceptsSNAP: model.Unknown, Source: "locator", IngestedAt: now,
		},
	}
}

// --- Dataset publish ---

func TestSQLite_ReplaceDataset_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()}))

	got, err := st.GetMarket(ctx, "1000001")
	require.NoError(t, err)
	assert.Equal(t, "Capitol Square Market", got.Name)
	assert.Equal(t, "OH", got.State)
	require.NotNil(t, got.Lat)
	assert.InDelta(t, 39.9612, *got.Lat, 1e-9)
	v, known := got.AcceptsSNAP.Bool()
	assert.True(t, known)
	assert.True(t, v)

	// Unknown SNAP survives as NULL, missing coords as nil.
	got, err = st.GetMarket(ctx, "1000003")
	require.NoError(t, err)
	_, known = got.AcceptsSNAP.Bool()
	assert.False(t, known)
	assert.Nil(t, got.Lat)
	assert.Nil(t, got.Lon)
}

func TestSQLite_ReplaceDataset_ReplacesWholesale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()}))
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()[:1]}))

	n, err := st.CountMarkets(ctx, geoquery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetMarket(ctx, "1000002")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_GetMarket_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.ReplaceDataset(context.Background(), Snapshot{Markets: testMarkets()}))

	_, err := st.GetMarket(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Filters ---

func TestSQLite_Markets_StateFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()}))

	got, err := st.Markets(ctx, geoquery.Filter{State: "OH", OrderByName: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Capitol Square Market", got[0].Name)
	assert.Equal(t, "Clintonville Farmers Market", got[1].Name)
}

func TestSQLite_Markets_QMatchesNameOrCity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()}))

	got, err := st.Markets(ctx, geoquery.Filter{Q: "pike"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1000003", got[0].ID)

	got, err = st.Markets(ctx, geoquery.Filter{Q: "COLUMBUS"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLite_Markets_SNAPFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()}))

	yes := true
	got, err := st.Markets(ctx, geoquery.Filter{AcceptsSNAP: &yes})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1000001", got[0].ID)

	// false must not match the NULL row
	no := false
	got, err = st.Markets(ctx, geoquery.Filter{AcceptsSNAP: &no})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1000002", got[0].ID)
}

func TestSQLite_Markets_BBoxExcludesNullCoords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()}))

	box := geoquery.BBox{LatMin: -90, LatMax: 90, LonMin: -180, LonMax: 180}
	got, err := st.Markets(ctx, geoquery.Filter{BBox: &box})
	require.NoError(t, err)
	assert.Len(t, got, 2, "row without coordinates stays out of spatial results")

	box = geoquery.BBox{LatMin: 39.5, LatMax: 40.0, LonMin: -83.5, LonMax: -82.5}
	got, err = st.Markets(ctx, geoquery.Filter{BBox: &box})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1000001", got[0].ID)
}

func TestSQLite_Markets_LimitOffset(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Markets: testMarkets()}))

	got, err := st.Markets(ctx, geoquery.Filter{OrderByName: true, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Clintonville Farmers Market", got[0].Name)

	n, err := st.CountMarkets(ctx, geoquery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "count ignores paging")
}

// --- Rejects ---

func TestSQLite_Rejects_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rejects := []model.RejectedRecord{
		{
			Record:  model.MarketRecord{ID: "bad1", Name: "No Coords Market"},
			Reasons: []model.RejectReason{model.RejectMissingLat, model.RejectBadLon},
		},
	}
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{Rejects: rejects}))

	got, err := st.Rejects(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bad1", got[0].Record.ID)
	assert.Equal(t, rejects[0].Reasons, got[0].Reasons)
	assert.Equal(t, "missing:latitude;bad:longitude;", got[0].ReasonString())
}

// --- Centroids ---

func TestSQLite_Centroids_PublishGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	table := model.CentroidTable{
		"43215": {Lat: 39.96, Lon: -82.99},
		"432":   {Lat: 39.90, Lon: -82.90},
	}
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{ZipCentroids: table}))

	got, err := st.GetCentroids(ctx, CentroidZip)
	require.NoError(t, err)
	assert.Equal(t, table, got)

	// A second publish replaces the table entirely.
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{ZipCentroids: model.CentroidTable{
		"98101": {Lat: 47.61, Lon: -122.34},
	}}))
	got, err = st.GetCentroids(ctx, CentroidZip)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got, "98101")
}

func TestSQLite_Centroids_KindsAreSeparate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{
		ZipCentroids:  model.CentroidTable{"43215": {Lat: 1, Lon: 2}},
		CityCentroids: model.CentroidTable{"columbus|OH": {Lat: 3, Lon: 4}},
	}))

	zips, err := st.GetCentroids(ctx, CentroidZip)
	require.NoError(t, err)
	cities, err := st.GetCentroids(ctx, CentroidCity)
	require.NoError(t, err)
	assert.Contains(t, zips, "43215")
	assert.NotContains(t, zips, "columbus|OH")
	assert.Contains(t, cities, "columbus|OH")
}

func TestSQLite_Centroids_UnknownKind(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetCentroids(context.Background(), CentroidKind("county"))
	require.Error(t, err)
}

func TestSQLite_ReplaceDataset_CentroidsLandWithMarkets(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{
		Markets:      testMarkets(),
		ZipCentroids: model.CentroidTable{"43215": {Lat: 39.96, Lon: -82.99}},
	}))

	// The next run drops a market and its centroid; one publish swaps both.
	require.NoError(t, st.ReplaceDataset(ctx, Snapshot{
		Markets:      testMarkets()[:1],
		ZipCentroids: model.CentroidTable{"43214": {Lat: 40.05, Lon: -83.01}},
	}))

	n, err := st.CountMarkets(ctx, geoquery.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	zips, err := st.GetCentroids(ctx, CentroidZip)
	require.NoError(t, err)
	assert.NotContains(t, zips, "43215")
	assert.Contains(t, zips, "43214")
}

// --- Ingest runs ---

func TestSQLite_Runs_LatestAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := &model.IngestRun{
			ID:            id,
			SchemaVersion: model.SchemaVersion,
			IngestedAt:    base.Add(time.Duration(i) * time.Hour),
			RecordsTotal:  10 + i,
			RecordsValid:  9 + i,
			Sources:       []model.SourceMeta{{Dataset: "usda", Records: 10 + i}},
		}
		require.NoError(t, st.RecordRun(ctx, run))
	}

	latest, err := st.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-c", latest.ID)
	assert.Equal(t, 12, latest.RecordsTotal)
	require.Len(t, latest.Sources, 1)
	assert.Equal(t, "usda", latest.Sources[0].Dataset)

	runs, err := st.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}

func TestSQLite_LatestRun_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.LatestRun(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
