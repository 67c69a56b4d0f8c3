package centroid

import (
	"github.com/freshlocalharvest/market-pipeline/internal/address"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// LookupZip resolves a ZIP to a centroid, preferring the exact 5-digit
// entry and falling back to the 3-digit prefix entry.
func LookupZip(table model.CentroidTable, zip string) (model.Centroid, bool) {
	z := address.NormalizeZip(zip)
	if z == "" {
		return model.Centroid{}, false
	}
	if c, ok := table[z]; ok {
		return c, true
	}
	if len(z) >= 3 {
		if c, ok := table[z[:3]]; ok {
			return c, true
		}
	}
	return model.Centroid{}, false
}

// LookupCity resolves a city (optionally qualified by state) to a
// centroid. With a state the composite key is tried first; without one
// only the bare-city fallback can answer, and ambiguous multi-state
// names have no such entry.
func LookupCity(table model.CentroidTable, city, state string) (model.Centroid, bool) {
	norm := NormalizeCity(city)
	if norm == "" {
		return model.Centroid{}, false
	}
	if state != "" {
		if c, ok := table[CityKey(city, state)]; ok {
			return c, true
		}
		return model.Centroid{}, false
	}
	c, ok := table[norm]
	return c, ok
}
