package model

import (
	"bytes"
	"time"

	"github.com/rotisserie/eris"
)

// TriState represents a boolean flag whose value may be unknown.
// Sources disagree on how SNAP acceptance is reported, so "absent" must
// survive normalization instead of collapsing to false.
type TriState int

const (
	Unknown TriState = iota
	True
	False
)

// Bool returns the underlying value and whether it is known.
func (t TriState) Bool() (value, known bool) {
	switch t {
	case True:
		return true, true
	case False:
		return false, true
	default:
		return false, false
	}
}

// MarshalJSON encodes True/False as JSON booleans and Unknown as null.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case True:
		return []byte("true"), nil
	case False:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts true, false, and null.
func (t *TriState) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "true":
		*t = True
	case "false":
		*t = False
	case "null":
		*t = Unknown
	default:
		return eris.Errorf("model: invalid tri-state value %q", data)
	}
	return nil
}

// TriStateOf converts an optional bool into a TriState.
func TriStateOf(b *bool) TriState {
	if b == nil {
		return Unknown
	}
	if *b {
		return True
	}
	return False
}

// MarketRecord is one normalized farmers'-market listing. Records are
// immutable once validated; each ingest run replaces the whole table.
type MarketRecord struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	RawAddress      string     `json:"-"`
	Street          string     `json:"street,omitempty"`
	City            string     `json:"city,omitempty"`
	State           string     `json:"state,omitempty"` // 2-letter code post-enrichment
	Zip             string     `json:"zip,omitempty"`   // 5 digits, leading zeros preserved
	Lat             *float64   `json:"lat"`
	Lon             *float64   `json:"lon"`
	Website         string     `json:"website,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	AcceptsSNAP     TriState   `json:"accepts_snap"`
	HoursRaw        string     `json:"hours_raw,omitempty"`
	SeasonStart     string     `json:"season_start,omitempty"`
	SeasonEnd       string     `json:"season_end,omitempty"`
	Source          string     `json:"source"`
	SourceFile      string     `json:"source_file,omitempty"`
	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`
	IngestedAt      time.Time  `json:"ingested_at"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (r *MarketRecord) HasCoordinates() bool {
	return r.Lat != nil && r.Lon != nil
}
