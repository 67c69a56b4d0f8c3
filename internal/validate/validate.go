// Package validate partitions candidate market records into valid and
// rejected sets. Rules run independently and reasons accumulate, so the
// outcome never depends on rule order; a record routes to the rejects
// only when it carries at least one reason.
package validate

import (
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// Partition applies the required-field, coordinate-bounds, and
// uniqueness checks to the full candidate set. No record is lost: every
// input row lands in exactly one of the returned slices, in input order.
func Partition(records []model.MarketRecord) ([]model.MarketRecord, []model.RejectedRecord) {
	valid := make([]model.MarketRecord, 0, len(records))
	var rejects []model.RejectedRecord

	seen := make(map[string]bool, len(records))

	for _, rec := range records {
		reasons := checkRecord(&rec)

		// Uniqueness: first occurrence in input order wins, every later
		// duplicate is rejected even if otherwise fully valid.
		if rec.ID != "" {
			if seen[rec.ID] {
				reasons = append(reasons, model.RejectDuplicateID)
			} else {
				seen[rec.ID] = true
			}
		}

		if len(reasons) == 0 {
			valid = append(valid, rec)
		} else {
			rejects = append(rejects, model.RejectedRecord{Record: rec, Reasons: reasons})
		}
	}

	zap.L().Info("validated records",
		zap.Int("total", len(records)),
		zap.Int("valid", len(valid)),
		zap.Int("rejected", len(rejects)),
	)

	return valid, rejects
}

func checkRecord(rec *model.MarketRecord) []model.RejectReason {
	var reasons []model.RejectReason

	if rec.ID == "" {
		reasons = append(reasons, model.RejectMissingID)
	}
	if rec.Name == "" {
		reasons = append(reasons, model.RejectMissingName)
	}
	if rec.RawAddress == "" {
		reasons = append(reasons, model.RejectMissingAddress)
	}
	if rec.Lon == nil {
		reasons = append(reasons, model.RejectMissingLon)
	}
	if rec.Lat == nil {
		reasons = append(reasons, model.RejectMissingLat)
	}

	// Coordinate bounds treat an absent value as out of bounds, matching
	// the cumulative tag behavior of the rejects export.
	if rec.Lon == nil || *rec.Lon < -180 || *rec.Lon > 180 {
		reasons = append(reasons, model.RejectBadLon)
	}
	if rec.Lat == nil || *rec.Lat < -90 || *rec.Lat > 90 {
		reasons = append(reasons, model.RejectBadLat)
	}

	return reasons
}
