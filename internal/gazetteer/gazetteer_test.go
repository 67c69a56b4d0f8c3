package gazetteer

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
)

func createTestZIP(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func newTestFetcher() fetcher.Fetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  "test-agent",
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})
}

// --- Download ---

func TestDownload_ExtractsShapefile(t *testing.T) {
	zipContent := createTestZIP(t, map[string]string{
		"cb_2020_us_zcta520_500k.shp": "fake shp data",
		"cb_2020_us_zcta520_500k.dbf": "fake dbf data",
		"cb_2020_us_zcta520_500k.shx": "fake shx data",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(zipContent)
	}))
	defer srv.Close()

	shpPath, err := Download(context.Background(), newTestFetcher(), srv.URL+"/cb_2020_us_zcta520_500k.zip", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, shpPath, ".shp")
	assert.FileExists(t, shpPath)
}

func TestDownload_ReusesExistingZip(t *testing.T) {
	zipContent := createTestZIP(t, map[string]string{"zcta.shp": "data"})

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(zipContent)
	}))
	defer srv.Close()

	destDir := t.TempDir()
	_, err := Download(context.Background(), newTestFetcher(), srv.URL+"/zcta.zip", destDir)
	require.NoError(t, err)
	_, err = Download(context.Background(), newTestFetcher(), srv.URL+"/zcta.zip", destDir)
	require.NoError(t, err)

	assert.EqualValues(t, 1, hits.Load())
}

func TestDownload_NoShapefileInArchive(t *testing.T) {
	zipContent := createTestZIP(t, map[string]string{"readme.txt": "nothing here"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(zipContent)
	}))
	defer srv.Close()

	_, err := Download(context.Background(), newTestFetcher(), srv.URL+"/bad.zip", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .shp file")
}

// --- Centroid math ---

func ring(pts ...[2]float64) []shp.Point {
	out := make([]shp.Point, len(pts))
	for i, p := range pts {
		out[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return out
}

func polygonFromRings(rings ...[]shp.Point) *shp.Polygon {
	var points []shp.Point
	var parts []int32
	for _, r := range rings {
		parts = append(parts, int32(len(points)))
		points = append(points, r...)
	}
	return &shp.Polygon{
		NumParts:  int32(len(parts)),
		NumPoints: int32(len(points)),
		Parts:     parts,
		Points:    points,
	}
}

func TestAreaCentroid_UnitSquare(t *testing.T) {
	// Clockwise outer ring, shapefile convention.
	poly := polygonFromRings(ring([2]float64{-83, 39}, [2]float64{-83, 40}, [2]float64{-82, 40}, [2]float64{-82, 39}))
	mp := toMultiPolygon(poly)
	require.NotNil(t, mp)

	c, ok := areaCentroid(mp)
	require.True(t, ok)
	assert.InDelta(t, 39.5, c.Lat, 1e-9)
	assert.InDelta(t, -82.5, c.Lon, 1e-9)
}

func TestAreaCentroid_HoleShiftsNothingWhenSymmetric(t *testing.T) {
	// A symmetric hole keeps the centroid at the square's center.
	outer := ring([2]float64{0, 0}, [2]float64{0, 4}, [2]float64{4, 4}, [2]float64{4, 0})
	hole := ring([2]float64{1, 1}, [2]float64{3, 1}, [2]float64{3, 3}, [2]float64{1, 3})
	mp := toMultiPolygon(polygonFromRings(outer, hole))
	require.NotNil(t, mp)

	c, ok := areaCentroid(mp)
	require.True(t, ok)
	assert.InDelta(t, 2.0, c.Lat, 1e-9)
	assert.InDelta(t, 2.0, c.Lon, 1e-9)
}

func TestAreaCentroid_MultiPartWeightedByArea(t *testing.T) {
	// A 2x2 square at origin and a 1x1 square far east: the centroid
	// pulls toward the larger part 4:1.
	big := ring([2]float64{0, 0}, [2]float64{0, 2}, [2]float64{2, 2}, [2]float64{2, 0})
	small := ring([2]float64{10, 0}, [2]float64{10, 1}, [2]float64{11, 1}, [2]float64{11, 0})
	mp := toMultiPolygon(polygonFromRings(big, small))
	require.NotNil(t, mp)

	c, ok := areaCentroid(mp)
	require.True(t, ok)
	// (4*1 + 1*10.5) / 5 = 2.9 ; (4*1 + 1*0.5) / 5 = 0.9
	assert.InDelta(t, 2.9, c.Lon, 1e-9)
	assert.InDelta(t, 0.9, c.Lat, 1e-9)
}

func TestAreaCentroid_DegenerateFallsBackToVertexMean(t *testing.T) {
	// All points collinear: zero area, vertex mean instead.
	line := ring([2]float64{0, 0}, [2]float64{1, 1}, [2]float64{2, 2})
	mp := toMultiPolygon(polygonFromRings(line))
	require.NotNil(t, mp)

	c, ok := areaCentroid(mp)
	require.True(t, ok)
	assert.InDelta(t, 1.0, c.Lat, 1e-9)
	assert.InDelta(t, 1.0, c.Lon, 1e-9)
}

func TestToMultiPolygon_Empty(t *testing.T) {
	assert.Nil(t, toMultiPolygon(nil))
	assert.Nil(t, toMultiPolygon(&shp.Polygon{}))
}
