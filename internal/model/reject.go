package model

import "strings"

// RejectReason identifies a single ingest-time validation failure.
// Reasons accumulate per record; a record with none is valid.
type RejectReason string

const (
	RejectMissingID      RejectReason = "missing:listing_id"
	RejectMissingName    RejectReason = "missing:listing_name"
	RejectMissingAddress RejectReason = "missing:location_address"
	RejectMissingLon     RejectReason = "missing:longitude"
	RejectMissingLat     RejectReason = "missing:latitude"
	RejectBadLon         RejectReason = "bad:longitude"
	RejectBadLat         RejectReason = "bad:latitude"
	RejectDuplicateID    RejectReason = "dup:listing_id"
)

// RejectedRecord is a record that failed validation, retained for audit
// export only. It never enters the served table.
type RejectedRecord struct {
	Record  MarketRecord   `json:"record"`
	Reasons []RejectReason `json:"reasons"`
}

// ReasonString renders the accumulated reasons in the legacy
// semicolon-terminated tag format used by the rejects export.
func (r *RejectedRecord) ReasonString() string {
	var b strings.Builder
	for _, reason := range r.Reasons {
		b.WriteString(string(reason))
		b.WriteByte(';')
	}
	return b.String()
}

// HasReason reports whether the record carries the given reason.
func (r *RejectedRecord) HasReason(reason RejectReason) bool {
	for _, got := range r.Reasons {
		if got == reason {
			return true
		}
	}
	return false
}
