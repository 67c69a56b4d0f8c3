package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
)

// metersPerMile converts the radius_miles query parameter.
const metersPerMile = 1609.34

// Pagination bounds. Radius searches serve one page of map pins;
// viewport fetches may legitimately want a whole region.
const (
	defaultLimit     = 50
	maxLimit         = 500
	defaultBBoxLimit = 200
	maxBBoxLimit     = 2000
	defaultRadiusMi  = 25.0
)

// inputError marks a caller mistake that maps to a 400.
type inputError struct {
	msg string
}

func (e *inputError) Error() string { return e.msg }

func inputErrorf(format string, args ...any) error {
	return &inputError{msg: fmt.Sprintf(format, args...)}
}

type marketParams struct {
	q           string
	state       string
	acceptsSNAP *bool
	lat, lon    *float64
	zip         string
	city        string
	radiusM     float64
	limit       int
	offset      int
}

func parseMarketParams(r *http.Request) (marketParams, error) {
	q := r.URL.Query()

	p := marketParams{
		q:    strings.TrimSpace(q.Get("q")),
		zip:  strings.TrimSpace(q.Get("zip")),
		city: strings.TrimSpace(q.Get("city")),
	}

	var err error
	if p.state, err = parseState(q.Get("state")); err != nil {
		return p, err
	}
	if p.acceptsSNAP, err = parseTriState(q.Get("accepts_snap")); err != nil {
		return p, err
	}
	if p.lat, err = parseOptFloat(q.Get("lat"), "lat"); err != nil {
		return p, err
	}
	if p.lon, err = parseOptFloat(q.Get("lon"), "lon"); err != nil {
		return p, err
	}
	if (p.lat == nil) != (p.lon == nil) {
		return p, inputErrorf("lat and lon must be supplied together")
	}

	radiusMi := defaultRadiusMi
	if raw := q.Get("radius_miles"); raw != "" {
		radiusMi, err = strconv.ParseFloat(raw, 64)
		if err != nil || radiusMi < 0 {
			return p, inputErrorf("invalid radius_miles %q", raw)
		}
	}
	p.radiusM = radiusMi * metersPerMile

	if p.limit, err = parseLimit(q.Get("limit"), defaultLimit, maxLimit); err != nil {
		return p, err
	}
	if p.offset, err = parseOffset(q.Get("offset")); err != nil {
		return p, err
	}
	return p, nil
}

func parseBBoxParams(r *http.Request) (geoquery.BBox, marketParams, error) {
	q := r.URL.Query()

	var box geoquery.BBox
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"lat_min", &box.LatMin},
		{"lat_max", &box.LatMax},
		{"lon_min", &box.LonMin},
		{"lon_max", &box.LonMax},
	} {
		raw := q.Get(f.name)
		if raw == "" {
			return box, marketParams{}, inputErrorf("%s is required", f.name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return box, marketParams{}, inputErrorf("invalid %s %q", f.name, raw)
		}
		*f.dst = v
	}

	p := marketParams{q: strings.TrimSpace(q.Get("q"))}

	var err error
	if p.state, err = parseState(q.Get("state")); err != nil {
		return box, p, err
	}
	if p.acceptsSNAP, err = parseTriState(q.Get("accepts_snap")); err != nil {
		return box, p, err
	}
	if p.limit, err = parseLimit(q.Get("limit"), defaultBBoxLimit, maxBBoxLimit); err != nil {
		return box, p, err
	}
	if p.offset, err = parseOffset(q.Get("offset")); err != nil {
		return box, p, err
	}
	return box, p, nil
}

func parseState(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if len(raw) != 2 {
		return "", inputErrorf("state must be a 2-letter code, got %q", raw)
	}
	return strings.ToUpper(raw), nil
}

// parseTriState reads accepts_snap: absent means any, true means must
// accept, false means must explicitly not accept.
func parseTriState(raw string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return nil, nil
	case "true", "1", "yes":
		v := true
		return &v, nil
	case "false", "0", "no":
		v := false
		return &v, nil
	default:
		return nil, inputErrorf("invalid accepts_snap %q", raw)
	}
}

func parseOptFloat(raw, name string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, inputErrorf("invalid %s %q", name, raw)
	}
	return &v, nil
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, inputErrorf("invalid limit %q", raw)
	}
	if v > max {
		v = max
	}
	return v, nil
}

func parseOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, inputErrorf("invalid offset %q", raw)
	}
	return v, nil
}
