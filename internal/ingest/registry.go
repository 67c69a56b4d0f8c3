package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Dataset describes one configured source in datasets.yml.
type Dataset struct {
	Key      string `yaml:"-"`
	Prefix   string `yaml:"prefix"` // staged-file name prefix, e.g. "usda_ams_farmersmarket_"
	Glob     string `yaml:"glob"`   // pattern matched under the raw dir
	Schema   string `yaml:"schema"` // "legacy" or "v2" for spreadsheet sources
	Label    string `yaml:"label"`
	Category string `yaml:"category"` // "spreadsheet", "arcgis", "locator"
}

// Registry is the set of configured datasets, loaded from datasets.yml.
type Registry struct {
	datasets map[string]Dataset
	keys     []string
}

// LoadRegistry reads datasets.yml. The file has a single top-level
// "datasets" map keyed by dataset name.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read dataset config %s", path)
	}

	var wrapper struct {
		Datasets map[string]Dataset `yaml:"datasets"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "ingest: parse dataset config")
	}
	if len(wrapper.Datasets) == 0 {
		return nil, eris.Errorf("ingest: dataset config %s defines no datasets", path)
	}

	r := &Registry{datasets: make(map[string]Dataset, len(wrapper.Datasets))}
	for key, ds := range wrapper.Datasets {
		ds.Key = key
		if ds.Glob == "" && ds.Prefix != "" {
			ds.Glob = ds.Prefix + "*"
		}
		r.datasets[key] = ds
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)

	return r, nil
}

// Keys returns the dataset keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Get returns a dataset by key.
func (r *Registry) Get(key string) (Dataset, error) {
	ds, ok := r.datasets[key]
	if !ok {
		return Dataset{}, eris.Errorf("ingest: unknown dataset %q", key)
	}
	return ds, nil
}

// DetectKey matches a staged filename back to its dataset by prefix.
// The longest matching prefix wins so overlapping prefixes resolve to
// the more specific dataset.
func (r *Registry) DetectKey(filename string) (string, error) {
	base := filepath.Base(filename)

	best := ""
	bestLen := -1
	for _, key := range r.keys {
		prefix := r.datasets[key].Prefix
		if prefix == "" || !strings.HasPrefix(base, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best = key
			bestLen = len(prefix)
		}
	}
	if best == "" {
		return "", eris.Errorf("ingest: no dataset matches filename %q", base)
	}
	return best, nil
}

// LatestFile resolves the newest staged file for a dataset under rawDir,
// by modification time. Candidates whose name resolves to a different
// dataset under the longest-prefix rule are skipped, so a glob like
// "farmersmarket_*" cannot pick up a staged "farmersmarket_v2_" file.
// Returns an error when nothing matches: a configured spreadsheet
// source with no staged file is a setup problem, not an empty dataset.
func (r *Registry) LatestFile(rawDir, key string) (string, error) {
	ds, err := r.Get(key)
	if err != nil {
		return "", err
	}

	matches, err := filepath.Glob(filepath.Join(rawDir, ds.Glob))
	if err != nil {
		return "", eris.Wrapf(err, "ingest: bad glob for dataset %q", key)
	}

	latest := ""
	var latestMod int64
	for _, m := range matches {
		if detected, err := r.DetectKey(m); err == nil && detected != key {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().UnixNano() > latestMod {
			latest = m
			latestMod = info.ModTime().UnixNano()
		}
	}
	if latest == "" && len(matches) > 0 {
		return "", eris.Errorf("ingest: staged files matching dataset %q belong to other datasets or are unreadable", key)
	}
	if latest == "" {
		return "", eris.Errorf("ingest: no staged file for dataset %q (glob %q under %s)", key, ds.Glob, rawDir)
	}
	return latest, nil
}
