package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
	"github.com/freshlocalharvest/market-pipeline/internal/store"
)

func fl(v float64) *float64 { return &v }

// memBackend is an in-memory Backend for handler tests.
type memBackend struct {
	records []model.MarketRecord
	zips    model.CentroidTable
	cities  model.CentroidTable
	pingErr error
}

func (m *memBackend) match(rec model.MarketRecord, f geoquery.Filter) bool {
	if f.Q != "" {
		q := strings.ToLower(f.Q)
		if !strings.Contains(strings.ToLower(rec.Name), q) &&
			!strings.Contains(strings.ToLower(rec.City), q) {
			return false
		}
	}
	if f.State != "" && rec.State != f.State {
		return false
	}
	if f.AcceptsSNAP != nil {
		want := model.False
		if *f.AcceptsSNAP {
			want = model.True
		}
		if rec.AcceptsSNAP != want {
			return false
		}
	}
	if f.BBox != nil {
		if !rec.HasCoordinates() {
			return false
		}
		if *rec.Lat < f.BBox.LatMin || *rec.Lat > f.BBox.LatMax ||
			*rec.Lon < f.BBox.LonMin || *rec.Lon > f.BBox.LonMax {
			return false
		}
	}
	return true
}

func (m *memBackend) Markets(_ context.Context, f geoquery.Filter) ([]model.MarketRecord, error) {
	var out []model.MarketRecord
	for _, rec := range m.records {
		if m.match(rec, f) {
			out = append(out, rec)
		}
	}
	if f.OrderByName {
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memBackend) CountMarkets(_ context.Context, f geoquery.Filter) (int, error) {
	n := 0
	for _, rec := range m.records {
		if m.match(rec, f) {
			n++
		}
	}
	return n, nil
}

func (m *memBackend) GetMarket(_ context.Context, id string) (*model.MarketRecord, error) {
	for _, rec := range m.records {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memBackend) GetCentroids(_ context.Context, kind store.CentroidKind) (model.CentroidTable, error) {
	if kind == store.CentroidZip {
		return m.zips, nil
	}
	return m.cities, nil
}

func (m *memBackend) Ping(context.Context) error { return m.pingErr }

func testBackend() *memBackend {
	return &memBackend{
		records: []model.MarketRecord{
			{ID: "near", Name: "Downtown Market", City: "Columbus", State: "OH", Zip: "43215",
				Lat: fl(40.05), Lon: fl(-83.0), AcceptsSNAP: model.True},
			{ID: "far", Name: "Valley Market", City: "Delaware", State: "OH", Zip: "43015",
				Lat: fl(40.7), Lon: fl(-83.0), AcceptsSNAP: model.False},
			{ID: "coordless", Name: "Roadside Stand", City: "Akron", State: "OH",
				AcceptsSNAP: model.Unknown},
			{ID: "west", Name: "Pike Place", City: "Seattle", State: "WA", Zip: "98101",
				Lat: fl(47.61), Lon: fl(-122.34), AcceptsSNAP: model.True},
		},
		zips: model.CentroidTable{
			"43215": {Lat: 40.0, Lon: -83.0},
		},
		cities: model.CentroidTable{
			"columbus|OH": {Lat: 40.0, Lon: -83.0},
			"columbus":    {Lat: 40.0, Lon: -83.0},
		},
	}
}

func newTestServer(t *testing.T, backend *memBackend) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(backend).Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

type listBody struct {
	Count int `json:"count"`
	Items []struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		AcceptsSNAP *bool    `json:"accepts_snap"`
		DistanceM   *float64 `json:"distance_m"`
	} `json:"items"`
}

// --- health ---

func TestHealth_OK(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body map[string]bool
	status := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body["ok"])
}

func TestHealth_StoreDown(t *testing.T) {
	backend := testBackend()
	backend.pingErr = eris.New("no such table")
	ts := newTestServer(t, backend)
	var body map[string]string
	status := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.NotEmpty(t, body["error"])
}

// --- flat listing ---

func TestMarkets_FilterByState(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body listBody
	status := getJSON(t, ts.URL+"/markets?state=wa", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "west", body.Items[0].ID)
	assert.Nil(t, body.Items[0].DistanceM)
}

func TestMarkets_SubstringSearch(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body listBody
	status := getJSON(t, ts.URL+"/markets?q=seattle", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "Pike Place", body.Items[0].Name)
}

func TestMarkets_SNAPTriState(t *testing.T) {
	ts := newTestServer(t, testBackend())

	var body listBody
	getJSON(t, ts.URL+"/markets?accepts_snap=true", &body)
	assert.Equal(t, 2, body.Count)

	// Explicit false excludes unknown rows.
	getJSON(t, ts.URL+"/markets?accepts_snap=false", &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "far", body.Items[0].ID)
}

// --- spatial queries ---

func TestMarkets_RadiusFiltersAndRanks(t *testing.T) {
	ts := newTestServer(t, testBackend())

	// ~3.5 miles from the near point, ~48 from the far one.
	var body listBody
	status := getJSON(t, ts.URL+"/markets?lat=40.0&lon=-83.0&radius_miles=5", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "near", body.Items[0].ID)
	require.NotNil(t, body.Items[0].DistanceM)
	assert.InDelta(t, 5560, *body.Items[0].DistanceM, 100)

	status = getJSON(t, ts.URL+"/markets?lat=40.0&lon=-83.0&radius_miles=60", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "near", body.Items[0].ID)
	assert.Equal(t, "far", body.Items[1].ID)
	assert.Less(t, *body.Items[0].DistanceM, *body.Items[1].DistanceM)
}

func TestMarkets_ZeroRadiusListsEverything(t *testing.T) {
	ts := newTestServer(t, testBackend())

	var body listBody
	status := getJSON(t, ts.URL+"/markets?lat=40.0&lon=-83.0&radius_miles=0", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 4, body.Count)
	for _, it := range body.Items {
		assert.Nil(t, it.DistanceM)
	}
}

func TestMarkets_CoordlessExcludedFromSpatial(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body listBody
	getJSON(t, ts.URL+"/markets?lat=40.0&lon=-83.0&radius_miles=500", &body)
	for _, it := range body.Items {
		assert.NotEqual(t, "coordless", it.ID)
	}
}

func TestMarkets_CenterFromZip(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body listBody
	status := getJSON(t, ts.URL+"/markets?zip=43215&radius_miles=5", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "near", body.Items[0].ID)
	assert.NotNil(t, body.Items[0].DistanceM)
}

func TestMarkets_CenterFromCity(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body listBody
	status := getJSON(t, ts.URL+"/markets?city=Columbus&state=OH&radius_miles=5", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "near", body.Items[0].ID)
}

func TestMarkets_UnknownZip(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body map[string]string
	status := getJSON(t, ts.URL+"/markets?zip=99999", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "99999")
}

// --- parameter validation ---

func TestMarkets_BadParams(t *testing.T) {
	ts := newTestServer(t, testBackend())
	cases := []string{
		"lat=40.0",                 // lon missing
		"lat=abc&lon=-83",          // unparseable
		"accepts_snap=maybe",       // not tri-state
		"state=Ohio",               // not a 2-letter code
		"radius_miles=-1",          // negative
		"limit=0",                  // below minimum
		"offset=-5",                // negative
		"lat=40&lon=-83&limit=abc", // unparseable
	}
	for _, qs := range cases {
		var body map[string]string
		status := getJSON(t, ts.URL+"/markets?"+qs, &body)
		assert.Equal(t, http.StatusBadRequest, status, qs)
		assert.NotEmpty(t, body["error"], qs)
	}
}

// --- bbox ---

func bboxURL(ts *httptest.Server, latMin, latMax, lonMin, lonMax float64, extra string) string {
	u := fmt.Sprintf("%s/markets/bbox?lat_min=%v&lat_max=%v&lon_min=%v&lon_max=%v",
		ts.URL, latMin, latMax, lonMin, lonMax)
	if extra != "" {
		u += "&" + extra
	}
	return u
}

func TestBBox_ViewportFetch(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body listBody
	status := getJSON(t, bboxURL(ts, 39.0, 41.0, -84.0, -82.0, ""), &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, body.Count)
	for _, it := range body.Items {
		assert.Nil(t, it.DistanceM)
	}
}

func TestBBox_InvertedBoundsRejected(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body map[string]string
	status := getJSON(t, bboxURL(ts, 10.0, 5.0, -84.0, -82.0, ""), &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "lat_min")
}

func TestBBox_MissingBound(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body map[string]string
	status := getJSON(t, ts.URL+"/markets/bbox?lat_min=39&lat_max=41&lon_min=-84", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "lon_max")
}

func TestBBox_Filters(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body listBody
	status := getJSON(t, bboxURL(ts, 39.0, 41.0, -84.0, -82.0, "accepts_snap=true"), &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "near", body.Items[0].ID)
}

// --- single record ---

func TestMarket_ByID(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	status := getJSON(t, ts.URL+"/markets/near", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Downtown Market", body.Name)
}

func TestMarket_NotFound(t *testing.T) {
	ts := newTestServer(t, testBackend())
	var body map[string]string
	status := getJSON(t, ts.URL+"/markets/nope", &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, body["error"])
}
