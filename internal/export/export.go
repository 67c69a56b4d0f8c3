// Package export writes the published artifacts of a pipeline run:
// profile-driven CSV/JSON projections of the valid records, the rejects
// audit CSV, the centroid lookup tables the site consumes, and the run
// manifest.
package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// Profile projects the dataset into one output file. The extension
// picks the format: .json writes minified JSON, anything else CSV.
type Profile struct {
	Path   string   `yaml:"path"`
	Fields []string `yaml:"fields"`
}

// Profiles maps profile name to its projection, as configured in
// export_profiles.yml.
type Profiles map[string]Profile

// LoadProfiles reads export_profiles.yml.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "export: read profiles %s", path)
	}
	var profiles Profiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, eris.Wrap(err, "export: parse profiles")
	}
	if len(profiles) == 0 {
		return nil, eris.Errorf("export: %s defines no profiles", path)
	}
	return profiles, nil
}

// allColumns is the canonical column order used when a profile asks
// for "*" and for the rejects export.
var allColumns = []string{
	"id", "name", "street", "city", "state", "zip", "lat", "lon",
	"website", "phone", "accepts_snap", "hours_raw",
	"season_start", "season_end",
	"source", "source_file", "source_updated_at", "ingested_at",
}

// columnValue renders one record field as a CSV cell. Absent optionals
// are empty cells.
func columnValue(rec *model.MarketRecord, col string) string {
	switch col {
	case "id":
		return rec.ID
	case "name":
		return rec.Name
	case "street":
		return rec.Street
	case "city":
		return rec.City
	case "state":
		return rec.State
	case "zip":
		return rec.Zip
	case "lat":
		if rec.Lat == nil {
			return ""
		}
		return strconv.FormatFloat(*rec.Lat, 'f', -1, 64)
	case "lon":
		if rec.Lon == nil {
			return ""
		}
		return strconv.FormatFloat(*rec.Lon, 'f', -1, 64)
	case "website":
		return rec.Website
	case "phone":
		return rec.Phone
	case "accepts_snap":
		if v, known := rec.AcceptsSNAP.Bool(); known {
			return strconv.FormatBool(v)
		}
		return ""
	case "hours_raw":
		return rec.HoursRaw
	case "season_start":
		return rec.SeasonStart
	case "season_end":
		return rec.SeasonEnd
	case "source":
		return rec.Source
	case "source_file":
		return rec.SourceFile
	case "source_updated_at":
		if rec.SourceUpdatedAt == nil {
			return ""
		}
		return rec.SourceUpdatedAt.UTC().Format(time.RFC3339)
	case "ingested_at":
		return rec.IngestedAt.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

// jsonValue renders one record field for the JSON exports. Absent
// optionals are null.
func jsonValue(rec *model.MarketRecord, col string) any {
	switch col {
	case "lat":
		if rec.Lat == nil {
			return nil
		}
		return *rec.Lat
	case "lon":
		if rec.Lon == nil {
			return nil
		}
		return *rec.Lon
	case "accepts_snap":
		if v, known := rec.AcceptsSNAP.Bool(); known {
			return v
		}
		return nil
	case "source_updated_at":
		if rec.SourceUpdatedAt == nil {
			return nil
		}
		return rec.SourceUpdatedAt.UTC().Format(time.RFC3339)
	case "ingested_at":
		return rec.IngestedAt.UTC().Format(time.RFC3339)
	default:
		return columnValue(rec, col)
	}
}

// resolveFields expands "*" and drops unknown field names, keeping the
// profile's order.
func resolveFields(fields []string) []string {
	if len(fields) == 1 && fields[0] == "*" {
		return allColumns
	}
	known := make(map[string]bool, len(allColumns))
	for _, c := range allColumns {
		known[c] = true
	}
	var out []string
	for _, f := range fields {
		if known[f] {
			out = append(out, f)
		}
	}
	return out
}

// Run writes every profile and returns profile name -> written path.
func Run(records []model.MarketRecord, profiles Profiles) (map[string]string, error) {
	written := make(map[string]string, len(profiles))
	for name, profile := range profiles {
		fields := resolveFields(profile.Fields)
		if len(fields) == 0 {
			return nil, eris.Errorf("export: profile %q selects no known fields", name)
		}
		if err := ensureParent(profile.Path); err != nil {
			return nil, err
		}

		var err error
		if filepath.Ext(profile.Path) == ".json" {
			err = writeJSON(records, fields, profile.Path)
		} else {
			err = writeCSV(records, fields, profile.Path)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "export: profile %q", name)
		}

		written[name] = profile.Path
		zap.L().Info("wrote export",
			zap.String("profile", name),
			zap.String("path", profile.Path),
			zap.Int("records", len(records)))
	}
	return written, nil
}

func writeCSV(records []model.MarketRecord, fields []string, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create file")
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write(fields); err != nil {
		return eris.Wrap(err, "write header")
	}
	row := make([]string, len(fields))
	for i := range records {
		for j, col := range fields {
			row[j] = columnValue(&records[i], col)
		}
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "flush")
	}
	return f.Close()
}

// writeJSON writes the records as a minified array of objects. Maps
// marshal with sorted keys, so output is deterministic.
func writeJSON(records []model.MarketRecord, fields []string, path string) error {
	out := make([]map[string]any, 0, len(records))
	for i := range records {
		obj := make(map[string]any, len(fields))
		for _, col := range fields {
			obj[col] = jsonValue(&records[i], col)
		}
		out = append(out, obj)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return eris.Wrap(err, "marshal records")
	}
	return writeFile(path, data)
}

// WriteCentroids writes one centroid table as minified JSON with sorted
// keys, the exact shape the site's lookup code loads.
func WriteCentroids(table model.CentroidTable, path string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	data, err := json.Marshal(table)
	if err != nil {
		return eris.Wrap(err, "export: marshal centroids")
	}
	return writeFile(path, data)
}

// WriteRejectsCSV writes the rejects audit file: every record column
// plus the accumulated reject reasons.
func WriteRejectsCSV(rejects []model.RejectedRecord, path string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "export: create rejects file")
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	header := append(append([]string{}, allColumns...), "reject_reasons")
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "export: write rejects header")
	}
	row := make([]string, len(header))
	for i := range rejects {
		for j, col := range allColumns {
			row[j] = columnValue(&rejects[i].Record, col)
		}
		row[len(row)-1] = rejects[i].ReasonString()
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "export: write reject row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "export: flush rejects")
	}
	return f.Close()
}

// WriteManifest writes the run manifest, indented for human reading.
func WriteManifest(run *model.IngestRun, path string) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return eris.Wrap(err, "export: marshal manifest")
	}
	return writeFile(path, append(data, '\n'))
}

func ensureParent(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "export: create dir %s", dir)
		}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "export: write %s", path)
	}
	return nil
}
