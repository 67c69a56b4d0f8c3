// Package centroid derives the ZIP and city centroid lookup tables from
// the validated record set. The tables let the API resolve a ZIP or
// city/state query into a center point without a geocoding service, and
// are recomputed from scratch on every ingest run.
package centroid

import (
	"sort"

	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// zipPrefixLen is the length of the coarse ZIP fallback key.
const zipPrefixLen = 3

// Tables holds the derived centroid lookups for one dataset build.
type Tables struct {
	Zip  model.CentroidTable
	City model.CentroidTable
}

type accumulator struct {
	sumLat float64
	sumLon float64
	n      int
}

func (a *accumulator) add(lat, lon float64) {
	a.sumLat += lat
	a.sumLon += lon
	a.n++
}

func (a *accumulator) mean() model.Centroid {
	return model.Centroid{Lat: a.sumLat / float64(a.n), Lon: a.sumLon / float64(a.n)}
}

// Build computes both centroid tables from the valid record set.
// Records without both coordinates contribute to neither table.
// Accumulation is a plain sum in input order, so identical input yields
// byte-identical serialized tables.
func Build(records []model.MarketRecord) Tables {
	zipAcc := map[string]*accumulator{}
	prefixAcc := map[string]*accumulator{}

	// cityAcc groups by normalized city, then by state variant (the
	// empty state is a variant of its own). The two-level shape is what
	// lets the bare-city fallback detect multi-state ambiguity.
	cityAcc := map[string]map[string]*accumulator{}

	for i := range records {
		rec := &records[i]
		if !rec.HasCoordinates() {
			continue
		}
		lat, lon := *rec.Lat, *rec.Lon

		if rec.Zip != "" {
			grow(zipAcc, rec.Zip).add(lat, lon)
			if len(rec.Zip) >= zipPrefixLen {
				grow(prefixAcc, rec.Zip[:zipPrefixLen]).add(lat, lon)
			}
		}

		if city := NormalizeCity(rec.City); city != "" {
			variants := cityAcc[city]
			if variants == nil {
				variants = map[string]*accumulator{}
				cityAcc[city] = variants
			}
			grow(variants, rec.State).add(lat, lon)
		}
	}

	t := Tables{
		Zip:  make(model.CentroidTable, len(zipAcc)+len(prefixAcc)),
		City: make(model.CentroidTable, len(cityAcc)*2),
	}

	for zip, acc := range zipAcc {
		t.Zip[zip] = acc.mean()
	}
	// Prefix fallbacks never overwrite a more specific entry. Exact ZIPs
	// are 5 digits and prefixes 3, so a collision cannot happen today,
	// but the rule holds for any future key shape.
	for prefix, acc := range prefixAcc {
		if _, exists := t.Zip[prefix]; !exists {
			t.Zip[prefix] = acc.mean()
		}
	}

	for city, variants := range cityAcc {
		// Sum variants in sorted state order: float addition is not
		// associative, and the round-trip guarantee requires identical
		// bytes across runs.
		states := make([]string, 0, len(variants))
		for state := range variants {
			states = append(states, state)
		}
		sort.Strings(states)

		var total accumulator
		distinctStates := 0
		for _, state := range states {
			acc := variants[state]
			t.City[CityKey(city, state)] = acc.mean()
			if state != "" {
				distinctStates++
			}
			total.sumLat += acc.sumLat
			total.sumLon += acc.sumLon
			total.n += acc.n
		}

		// Bare-city fallback, weighted by record count across variants.
		// A name spanning two or more states is ambiguous and gets none;
		// the caller must supply a state.
		if distinctStates <= 1 {
			t.City[city] = total.mean()
		}
	}

	zap.L().Info("built centroid tables",
		zap.Int("zip_keys", len(t.Zip)),
		zap.Int("city_keys", len(t.City)),
	)

	return t
}

// MergeSeed fills ZIP keys absent from the record-derived table with
// gazetteer-sourced centroids. Record-derived entries always win.
func (t Tables) MergeSeed(seed model.CentroidTable) int {
	added := 0
	for key, c := range seed {
		if _, exists := t.Zip[key]; !exists {
			t.Zip[key] = c
			added++
		}
	}
	return added
}

func grow(m map[string]*accumulator, key string) *accumulator {
	acc := m[key]
	if acc == nil {
		acc = &accumulator{}
		m[key] = acc
	}
	return acc
}
