package model

import "time"

// SourceMeta records provenance for one ingested source file or feed.
type SourceMeta struct {
	Dataset string `json:"dataset"`
	Label   string `json:"label"`
	Path    string `json:"path,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
	Records int    `json:"records"`
}

// IngestRun is the manifest for one full pipeline run. The whole dataset
// is replaced per run, so the manifest is the unit of audit.
type IngestRun struct {
	ID              string            `json:"id"`
	SchemaVersion   string            `json:"schema_version"`
	IngestedAt      time.Time         `json:"ingested_at"`
	RecordsTotal    int               `json:"records_total"`
	RecordsValid    int               `json:"records_valid"`
	RecordsRejected int               `json:"records_rejected"`
	Sources         []SourceMeta      `json:"sources"`
	Exports         map[string]string `json:"exports,omitempty"`
}

// SchemaVersion identifies the normalized record schema produced by the
// pipeline. Bump on any column-level change to the markets table.
const SchemaVersion = "2.0.0"
