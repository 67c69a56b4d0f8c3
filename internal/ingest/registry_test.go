package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDatasetsYAML = `datasets:
  usda_ams_farmersmarket:
    prefix: farmersmarket_
    glob: "farmersmarket_*.xlsx"
    schema: legacy
    label: USDA AMS Farmers Market Directory
    category: spreadsheet
  usda_ams_v2:
    prefix: farmersmarket_v2_
    schema: v2
    label: USDA AMS listing export
    category: spreadsheet
  snap_retailers:
    prefix: snap_farmers_markets_
    label: FNS SNAP retailer layer
    category: arcgis
`

func writeRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datasets.yml")
	require.NoError(t, os.WriteFile(path, []byte(testDatasetsYAML), 0o644))
	r, err := LoadRegistry(path)
	require.NoError(t, err)
	return r
}

// --- Loading ---

func TestLoadRegistry(t *testing.T) {
	r := writeRegistry(t)
	assert.Equal(t, []string{"snap_retailers", "usda_ams_farmersmarket", "usda_ams_v2"}, r.Keys())

	ds, err := r.Get("usda_ams_farmersmarket")
	require.NoError(t, err)
	assert.Equal(t, "usda_ams_farmersmarket", ds.Key)
	assert.Equal(t, "farmersmarket_", ds.Prefix)
	assert.Equal(t, "legacy", ds.Schema)
	assert.Equal(t, "spreadsheet", ds.Category)
}

func TestLoadRegistry_DefaultGlobFromPrefix(t *testing.T) {
	r := writeRegistry(t)
	ds, err := r.Get("usda_ams_v2")
	require.NoError(t, err)
	assert.Equal(t, "farmersmarket_v2_*", ds.Glob)
}

func TestLoadRegistry_MissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestLoadRegistry_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datasets.yml")
	require.NoError(t, os.WriteFile(path, []byte("datasets: {}\n"), 0o644))
	_, err := LoadRegistry(path)
	assert.Error(t, err)
}

func TestGet_Unknown(t *testing.T) {
	r := writeRegistry(t)
	_, err := r.Get("does_not_exist")
	assert.Error(t, err)
}

// --- Filename detection ---

func TestDetectKey_LongestPrefixWins(t *testing.T) {
	r := writeRegistry(t)

	// "farmersmarket_v2_" is a superstring of "farmersmarket_"; the more
	// specific dataset must win.
	key, err := r.DetectKey("farmersmarket_v2_2026-08-01_sha256=abc123def456.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "usda_ams_v2", key)

	key, err = r.DetectKey("farmersmarket_2026-08-01_sha256=abc123def456.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "usda_ams_farmersmarket", key)
}

func TestDetectKey_UsesBasename(t *testing.T) {
	r := writeRegistry(t)
	key, err := r.DetectKey("/data/raw/snap_farmers_markets_2026-08-01.csv")
	require.NoError(t, err)
	assert.Equal(t, "snap_retailers", key)
}

func TestDetectKey_NoMatch(t *testing.T) {
	r := writeRegistry(t)
	_, err := r.DetectKey("random_file.xlsx")
	assert.Error(t, err)
}

// --- Latest staged file ---

func TestLatestFile_PicksNewestByModTime(t *testing.T) {
	r := writeRegistry(t)
	rawDir := t.TempDir()

	older := filepath.Join(rawDir, "farmersmarket_2026-07-01_sha256=aaaaaaaaaaaa.xlsx")
	newer := filepath.Join(rawDir, "farmersmarket_2026-08-01_sha256=bbbbbbbbbbbb.xlsx")
	require.NoError(t, os.WriteFile(older, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))

	got, err := r.LatestFile(rawDir, "usda_ams_farmersmarket")
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestLatestFile_SkipsFilesOfMoreSpecificDataset(t *testing.T) {
	r := writeRegistry(t)
	rawDir := t.TempDir()

	legacy := filepath.Join(rawDir, "farmersmarket_2026-07-01_sha256=aaaaaaaaaaaa.xlsx")
	v2 := filepath.Join(rawDir, "farmersmarket_v2_2026-08-01_sha256=bbbbbbbbbbbb.xlsx")
	require.NoError(t, os.WriteFile(legacy, []byte("legacy"), 0o644))
	require.NoError(t, os.WriteFile(v2, []byte("v2"), 0o644))

	// The v2 file is newer and matches the legacy glob, but it belongs
	// to the v2 dataset and must not shadow the legacy staged file.
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(legacy, base, base))
	require.NoError(t, os.Chtimes(v2, base.Add(time.Minute), base.Add(time.Minute)))

	got, err := r.LatestFile(rawDir, "usda_ams_farmersmarket")
	require.NoError(t, err)
	assert.Equal(t, legacy, got)

	got, err = r.LatestFile(rawDir, "usda_ams_v2")
	require.NoError(t, err)
	assert.Equal(t, v2, got)
}

func TestLatestFile_AllMatchesBelongElsewhere(t *testing.T) {
	r := writeRegistry(t)
	rawDir := t.TempDir()

	v2 := filepath.Join(rawDir, "farmersmarket_v2_2026-08-01_sha256=bbbbbbbbbbbb.xlsx")
	require.NoError(t, os.WriteFile(v2, []byte("v2"), 0o644))

	_, err := r.LatestFile(rawDir, "usda_ams_farmersmarket")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "belong to other datasets")
}

func TestLatestFile_NoneStaged(t *testing.T) {
	r := writeRegistry(t)
	_, err := r.LatestFile(t.TempDir(), "usda_ams_farmersmarket")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no staged file")
}
