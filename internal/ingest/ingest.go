// Package ingest holds the source clients and row normalizers that turn
// raw USDA spreadsheets, the SNAP retailer ArcGIS layer, and the legacy
// AMS locator API into MarketRecord slices. Address parsing and
// validation happen downstream; this package only gets each source into
// the common shape.
package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// SNAP acceptance arrives as free text in most sources. These sets cover
// every spelling observed in the historical workbooks.
var (
	snapTrueValues = map[string]struct{}{
		"y": {}, "yes": {}, "true": {}, "1": {},
		"snap": {}, "accepts snap": {}, "ebt": {}, "accepts_ebt": {},
	}
	snapFalseValues = map[string]struct{}{
		"n": {}, "no": {}, "false": {}, "0": {},
	}
)

// CoerceSNAP maps a raw cell value onto the SNAP tri-state. Values
// outside both sets stay Unknown rather than defaulting to false.
func CoerceSNAP(raw string) model.TriState {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return model.Unknown
	}
	if _, ok := snapTrueValues[v]; ok {
		return model.True
	}
	if _, ok := snapFalseValues[v]; ok {
		return model.False
	}
	return model.Unknown
}

// StableID derives a deterministic fallback identifier for rows whose
// source carries no usable ID. The hash covers the fields that make a
// listing distinct; truncation to 16 hex chars matches the IDs already
// present in published exports.
func StableID(name, street, city, state, zip string) string {
	key := strings.ToLower(strings.Join([]string{name, street, city, state, zip}, "|"))
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// parseCoord parses a latitude or longitude cell. Blank cells and
// non-numeric junk both come back as nil.
func parseCoord(raw string) *float64 {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// cleanCell trims whitespace and collapses the sentinel strings the
// workbooks use for "no value".
func cleanCell(raw string) string {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "nan", "none", "null", "n/a":
		return ""
	}
	return v
}
