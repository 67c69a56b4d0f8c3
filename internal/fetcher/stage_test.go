package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStage_NamesAndChecksum(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "markets.xlsx")
	content := []byte("workbook bytes")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	rawDir := filepath.Join(dir, "raw")
	staged, err := Stage(src, rawDir, "farmers_market_")
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	wantDigest := hex.EncodeToString(sum[:])
	assert.Equal(t, wantDigest, staged.SHA256)
	assert.Equal(t, int64(len(content)), staged.Size)

	base := filepath.Base(staged.Path)
	stamp := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, "farmers_market_"+stamp+"_sha256="+wantDigest[:12]+".xlsx", base)

	got, err := os.ReadFile(staged.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStage_SameContentSameName(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "markets.xlsx")
	require.NoError(t, os.WriteFile(src, []byte("same"), 0o644))

	rawDir := filepath.Join(dir, "raw")
	first, err := Stage(src, rawDir, "fm_")
	require.NoError(t, err)
	second, err := Stage(src, rawDir, "fm_")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)

	entries, err := os.ReadDir(rawDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStage_MissingSource(t *testing.T) {
	_, err := Stage(filepath.Join(t.TempDir(), "nope.xlsx"), t.TempDir(), "fm_")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "checksum") || strings.Contains(err.Error(), "open"))
}

func TestSHA256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	digest, err := SHA256File(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", digest)
}
