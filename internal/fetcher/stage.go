package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// StagedFile describes a source file copied into the raw staging area.
type StagedFile struct {
	Path   string // staged path under the raw dir
	SHA256 string // full hex digest of the contents
	Size   int64
}

// SHA256File computes the hex digest of a file's contents.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "stage: open for checksum")
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrap(err, "stage: checksum")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stage copies a source file into rawDir under a name carrying the
// dataset prefix, the UTC date, and the first 12 hex chars of the
// content checksum, e.g. "farmers_market_2026-03-01_sha256=ab12cd34ef56.xlsx".
// Re-staging identical content on the same day is a no-op overwrite.
func Stage(srcPath, rawDir, prefix string) (*StagedFile, error) {
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "stage: create raw dir")
	}

	digest, err := SHA256File(srcPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, eris.Wrap(err, "stage: stat source")
	}

	stamp := time.Now().UTC().Format("2006-01-02")
	name := prefix + stamp + "_sha256=" + digest[:12] + filepath.Ext(srcPath)
	dst := filepath.Join(rawDir, name)

	if err := copyFile(srcPath, dst); err != nil {
		return nil, err
	}

	zap.L().Info("staged raw file",
		zap.String("src", srcPath),
		zap.String("dst", dst),
		zap.Int64("bytes", info.Size()),
	)
	return &StagedFile{Path: dst, SHA256: digest, Size: info.Size()}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrap(err, "stage: open source")
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrap(err, "stage: create staged file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, in); err != nil {
		return eris.Wrap(err, "stage: copy")
	}
	return out.Sync()
}
