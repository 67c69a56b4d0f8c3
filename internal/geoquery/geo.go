// Package geoquery implements the proximity search over the normalized
// market table: a cheap bounding-box prefilter against the store,
// followed by an exact haversine rerank in memory. The prefilter is a
// superset of the true circle, so the engine prefetches more rows than
// one page and discards the ones that fail the exact distance check.
package geoquery

import (
	"math"

	"github.com/rotisserie/eris"
)

// EarthRadiusM is the mean Earth radius used for haversine distances.
const EarthRadiusM = 6_371_000.0

// metersPerDegreeLat is the flat-earth approximation used to size the
// bounding box: 1 degree of latitude is roughly 111 km.
const metersPerDegreeLat = 111_000.0

// minCosLat clamps the longitude scale factor so the box stays finite
// near the poles.
const minCosLat = 1e-6

// ErrInvalidBBox marks a caller-supplied box whose minima exceed its
// maxima. It maps to a 4xx at the API layer.
var ErrInvalidBBox = eris.New("geoquery: invalid bounding box")

// BBox is a rectangular lat/lon region.
type BBox struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Validate rejects boxes with inverted bounds. A malformed box must
// surface as an input error, never as a silently-empty result.
func (b BBox) Validate() error {
	if b.LatMin > b.LatMax {
		return eris.Wrapf(ErrInvalidBBox, "lat_min %v > lat_max %v", b.LatMin, b.LatMax)
	}
	if b.LonMin > b.LonMax {
		return eris.Wrapf(ErrInvalidBBox, "lon_min %v > lon_max %v", b.LonMin, b.LonMax)
	}
	return nil
}

// BBoxAround returns the flat-earth box containing the circle of
// radiusM meters around the center point.
func BBoxAround(lat, lon, radiusM float64) BBox {
	dLat := radiusM / metersPerDegreeLat
	dLon := radiusM / (metersPerDegreeLat * math.Max(math.Cos(lat*math.Pi/180), minCosLat))
	return BBox{
		LatMin: lat - dLat,
		LatMax: lat + dLat,
		LonMin: lon - dLon,
		LonMax: lon + dLon,
	}
}

// HaversineM returns the great-circle distance in meters between two
// lat/lon points on the mean-radius sphere.
func HaversineM(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dPhi := p2 - p1
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(a))
}

// Prefetch window bounds: the bbox prefilter over-selects relative to
// the true circle, so candidate fetches are sized as a multiple of the
// requested page, floored so tiny pages still rerank enough rows and
// capped so one request cannot walk the whole table.
const (
	prefetchMultiplier = 4
	prefetchFloor      = 200
	prefetchCeiling    = 2000
)

// PrefetchLimit sizes the candidate fetch for a spatial query.
func PrefetchLimit(limit, offset int) int {
	n := (limit + offset) * prefetchMultiplier
	if n < prefetchFloor {
		n = prefetchFloor
	}
	if n > prefetchCeiling {
		n = prefetchCeiling
	}
	return n
}
