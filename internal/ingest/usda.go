package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/address"
	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// Source tags recorded on every normalized row.
const (
	SourceLegacy = "usda_ams_farmersmarket"
	SourceV2     = "usda_ams_farmersmarket_v2"
)

// legacyCandidates maps each logical field to the header spellings seen
// across historical AMS exports, in priority order. Header names drift
// between publication years; the first alias present in a sheet wins
// for the whole sheet.
var legacyCandidates = map[string][]string{
	"market_id":    {"fmid", "market_id", "id"},
	"name":         {"marketname", "market_name", "name", "market"},
	"street":       {"street", "street_address", "address1", "address", "addr1"},
	"city":         {"city", "town", "municipality"},
	"state":        {"state", "st"},
	"zip":          {"zip", "zipcode", "postal_code", "zip_code"},
	"lat":          {"lat", "latitude", "y"},
	"lon":          {"lon", "long", "longitude", "x"},
	"website":      {"website", "web", "url", "market_website"},
	"phone":        {"phone", "telephone", "contact_phone", "market_phone"},
	"accepts_snap": {"accepts_snap", "snap", "ebt", "accepts_ebt", "snap_status"},
	"season_start": {"season_start", "season1start", "season1date_start"},
	"season_end":   {"season_end", "season1end", "season1date_end"},
	"hours_raw":    {"hours", "schedule", "season1time", "season1times", "season1time_range"},
}

// v2Required lists the columns the listing_* workbook must carry. A
// sheet missing any of them is a source-format change and the run must
// stop loudly rather than publish a half-empty dataset.
var v2Required = []string{
	"listing_id", "listing_name", "location_address", "location_x", "location_y",
}

// sourceMeta carries the per-file provenance stamped onto every record.
type sourceMeta struct {
	SourceFile string
	UpdatedAt  *time.Time
	IngestedAt time.Time
}

func metaForFile(path string, ingestedAt time.Time) sourceMeta {
	meta := sourceMeta{SourceFile: filepath.Base(path), IngestedAt: ingestedAt}
	if info, err := os.Stat(path); err == nil {
		mod := info.ModTime().UTC()
		meta.UpdatedAt = &mod
	}
	return meta
}

// normalizeHeader lowercases a header cell and snake-cases spaces so
// alias matching is case- and spacing-insensitive.
func normalizeHeader(cell string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(cell)), " ", "_")
}

// sheetColumns resolves a header row into a name-to-index map.
func sheetColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, cell := range header {
		name := normalizeHeader(cell)
		if name == "" {
			continue
		}
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	return cols
}

// resolveAliases picks, for each logical field, the first alias present
// in the sheet. Fields with no alias present map to -1.
func resolveAliases(cols map[string]int, candidates map[string][]string) map[string]int {
	resolved := make(map[string]int, len(candidates))
	for field, aliases := range candidates {
		resolved[field] = -1
		for _, alias := range aliases {
			if idx, ok := cols[alias]; ok {
				resolved[field] = idx
				break
			}
		}
	}
	return resolved
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return cleanCell(row[idx])
}

// ReadLegacyWorkbook normalizes a classic FMID-style AMS workbook.
// Rows without a market name are dropped.
func ReadLegacyWorkbook(path string, ingestedAt time.Time) ([]model.MarketRecord, error) {
	headerCh := make(chan []string, 1)
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SkipRows: 1, HeaderCh: headerCh})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read legacy workbook %s", path)
	}
	header := <-headerCh

	records := normalizeLegacyRows(header, rows, metaForFile(path, ingestedAt))
	zap.L().Info("normalized legacy workbook",
		zap.String("file", filepath.Base(path)),
		zap.Int("rows_in", len(rows)),
		zap.Int("rows_out", len(records)))
	return records, nil
}

func normalizeLegacyRows(header []string, rows [][]string, meta sourceMeta) []model.MarketRecord {
	cols := sheetColumns(header)
	idx := resolveAliases(cols, legacyCandidates)

	// Extra hours sources: any column mentioning times or schedules, in
	// header order, feeds the aggregate when the direct aliases are empty.
	var timeCols []int
	for name, i := range cols {
		if strings.Contains(name, "time") || strings.Contains(name, "schedule") {
			timeCols = append(timeCols, i)
		}
	}
	sort.Ints(timeCols)

	var hoursAliasCols []int
	for _, alias := range legacyCandidates["hours_raw"] {
		if i, ok := cols[alias]; ok {
			hoursAliasCols = append(hoursAliasCols, i)
		}
	}

	records := make([]model.MarketRecord, 0, len(rows))
	for _, row := range rows {
		name := cellAt(row, idx["name"])
		if name == "" {
			continue
		}

		street := cellAt(row, idx["street"])
		city := cellAt(row, idx["city"])
		state := strings.ToUpper(cellAt(row, idx["state"]))
		zip := cellAt(row, idx["zip"])

		id := cellAt(row, idx["market_id"])
		if id == "" {
			id = StableID(name, street, city, state, zip)
		}

		rec := model.MarketRecord{
			ID:          id,
			Name:        name,
			Street:      street,
			City:        city,
			State:       state,
			Zip:         address.NormalizeZip(zip),
			Lat:         parseCoord(cellAt(row, idx["lat"])),
			Lon:         parseCoord(cellAt(row, idx["lon"])),
			Website:     cellAt(row, idx["website"]),
			Phone:       cellAt(row, idx["phone"]),
			AcceptsSNAP: CoerceSNAP(cellAt(row, idx["accepts_snap"])),
			HoursRaw: firstNonEmpty(
				cellAt(row, idx["hours_raw"]),
				joinCells(row, hoursAliasCols),
				joinCells(row, timeCols),
			),
			SeasonStart:     cellAt(row, idx["season_start"]),
			SeasonEnd:       cellAt(row, idx["season_end"]),
			Source:          SourceLegacy,
			SourceFile:      meta.SourceFile,
			SourceUpdatedAt: meta.UpdatedAt,
			IngestedAt:      meta.IngestedAt,
		}
		records = append(records, rec)
	}
	return records
}

// ReadV2Workbook normalizes the newer listing_*/location_* AMS workbook.
// The required columns are checked before any row work; a missing one
// aborts the ingest.
func ReadV2Workbook(path string, ingestedAt time.Time) ([]model.MarketRecord, error) {
	headerCh := make(chan []string, 1)
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SkipRows: 1, HeaderCh: headerCh})
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read v2 workbook %s", path)
	}
	header := <-headerCh

	records, err := normalizeV2Rows(header, rows, metaForFile(path, ingestedAt))
	if err != nil {
		return nil, err
	}
	zap.L().Info("normalized v2 workbook",
		zap.String("file", filepath.Base(path)),
		zap.Int("rows_in", len(rows)),
		zap.Int("rows_out", len(records)))
	return records, nil
}

func normalizeV2Rows(header []string, rows [][]string, meta sourceMeta) ([]model.MarketRecord, error) {
	cols := sheetColumns(header)

	var missing []string
	for _, col := range v2Required {
		if _, ok := cols[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, eris.Errorf("ingest: sheet missing required columns: %s", strings.Join(missing, ", "))
	}

	// snap_option* flag columns, fixed once per sheet.
	var snapOptionCols []int
	for name, i := range cols {
		if strings.HasPrefix(name, "snap_option") {
			snapOptionCols = append(snapOptionCols, i)
		}
	}
	sort.Ints(snapOptionCols)
	fnapCol, hasFnap := cols["fnap"]

	records := make([]model.MarketRecord, 0, len(rows))
	for _, row := range rows {
		name := cellAt(row, cols["listing_name"])
		if name == "" {
			continue
		}

		rawAddr := cellAt(row, cols["location_address"])
		parsed := address.Parse(rawAddr)

		id := cellAt(row, cols["listing_id"])
		if id == "" {
			id = StableID(name, parsed.Street, parsed.City, parsed.State, parsed.Zip)
		}

		snap := model.Unknown
		if hasFnap && strings.Contains(strings.ToLower(cellAt(row, fnapCol)), "snap") {
			snap = model.True
		} else if len(snapOptionCols) > 0 {
			snap = model.False
			for _, i := range snapOptionCols {
				if cellAt(row, i) == "1" {
					snap = model.True
					break
				}
			}
		}

		rec := model.MarketRecord{
			ID:              id,
			Name:            name,
			RawAddress:      rawAddr,
			Street:          parsed.Street,
			City:            parsed.City,
			State:           parsed.State,
			Zip:             address.NormalizeZip(parsed.Zip),
			Lat:             parseCoord(cellAt(row, cols["location_y"])),
			Lon:             parseCoord(cellAt(row, cols["location_x"])),
			AcceptsSNAP:     snap,
			Source:          SourceV2,
			SourceFile:      meta.SourceFile,
			SourceUpdatedAt: meta.UpdatedAt,
			IngestedAt:      meta.IngestedAt,
		}
		records = append(records, rec)
	}
	return records, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// joinCells aggregates the non-empty cells at the given indices with
// the " | " separator used by the historical exports.
func joinCells(row []string, indices []int) string {
	var parts []string
	for _, i := range indices {
		if v := cellAt(row, i); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " | ")
}
