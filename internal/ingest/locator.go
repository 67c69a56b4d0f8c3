package ingest

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// SourceLocator tags rows recovered from the legacy AMS locator API.
const SourceLocator = "usda_ams_locator"

// LocatorBaseURL is the legacy AMS farmers-market locator service.
const LocatorBaseURL = "https://search.ams.usda.gov/farmersmarkets/v1/data.svc"

// stateCenters drives the coarse nationwide sweep: one locSearch per
// state geographic center. The service only supports point-radius
// search, so this is the cheapest full coverage.
var stateCenters = map[string][2]float64{
	"AL": {32.806671, -86.791130}, "AK": {61.370716, -152.404419}, "AZ": {33.729759, -111.431221},
	"AR": {34.969704, -92.373123}, "CA": {36.116203, -119.681564}, "CO": {39.059811, -105.311104},
	"CT": {41.597782, -72.755371}, "DE": {39.318523, -75.507141}, "FL": {27.766279, -81.686783},
	"GA": {33.040619, -83.643074}, "HI": {21.094318, -157.498337}, "ID": {44.240459, -114.478828},
	"IL": {40.349457, -88.986137}, "IN": {39.849426, -86.258278}, "IA": {42.011539, -93.210526},
	"KS": {38.526600, -96.726486}, "KY": {37.668140, -84.670067}, "LA": {31.169546, -91.867805},
	"ME": {44.693947, -69.381927}, "MD": {39.063946, -76.802101}, "MA": {42.230171, -71.530106},
	"MI": {43.326618, -84.536095}, "MN": {45.694454, -93.900192}, "MS": {32.741646, -89.678696},
	"MO": {38.456085, -92.288368}, "MT": {46.921925, -110.454353}, "NE": {41.125370, -98.268082},
	"NV": {38.313515, -117.055374}, "NH": {43.452492, -71.563896}, "NJ": {40.298904, -74.521011},
	"NM": {34.840515, -106.248482}, "NY": {42.165726, -74.948051}, "NC": {35.630066, -79.806419},
	"ND": {47.528912, -99.784012}, "OH": {40.388783, -82.764915}, "OK": {35.565342, -96.928917},
	"OR": {44.572021, -122.070938}, "PA": {40.590752, -77.209755}, "RI": {41.680893, -71.511780},
	"SC": {33.856892, -80.945007}, "SD": {44.299782, -99.438828}, "TN": {35.747845, -86.692345},
	"TX": {31.054487, -97.563461}, "UT": {40.150032, -111.862434}, "VT": {44.045876, -72.710686},
	"VA": {37.769337, -78.169968}, "WA": {47.400902, -121.490494}, "WV": {38.491226, -80.954453},
	"WI": {44.268543, -89.616508}, "WY": {42.755966, -107.302490}, "DC": {38.9072, -77.0369},
}

var (
	// locSearch prefixes market names with the distance from the search
	// point, e.g. "2.4 Downtown Market".
	distancePrefixRe = regexp.MustCompile(`^\s*\d+(?:\.\d+)?\s+`)

	// mktDetail carries coordinates only inside a Google Maps link,
	// with either an encoded or a literal comma.
	googleLinkEncodedRe = regexp.MustCompile(`[?&]q=([\-0-9\.]+)%2C([\-0-9\.]+)`)
	googleLinkPlainRe   = regexp.MustCompile(`[?&]q=([\-0-9\.]+),([\-0-9\.]+)`)

	// Trailing "ST 12345" in the last comma-separated address part.
	stateZipRe = regexp.MustCompile(`([A-Z]{2})\s+(\d{5})`)
)

type locatorSearchResponse struct {
	Results []LocatorResult `json:"results"`
	Items   []LocatorResult `json:"items"`
}

type LocatorResult struct {
	ID         string `json:"id"`
	MarketName string `json:"marketname"`
	Name       string `json:"name"`
}

type locatorDetailResponse struct {
	MarketDetails LocatorDetail `json:"marketdetails"`
}

type LocatorDetail struct {
	GoogleLink string `json:"GoogleLink"`
	Address    string `json:"Address"`
	Schedule   string `json:"Schedule"`
	Products   string `json:"Products"`
	Website    string `json:"Website"`
	Facebook   string `json:"Facebook"`
	Phone      string `json:"Phone"`
}

// detailCache is a bounded TTL cache for mktDetail responses. Adjacent
// state sweeps return overlapping market IDs near borders; caching the
// detail calls halves the request count there. The cache belongs to the
// client so two clients never share entries.
type detailCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]detailEntry
}

type detailEntry struct {
	detail  LocatorDetail
	expires time.Time
}

func newDetailCache(ttl time.Duration, max int) *detailCache {
	return &detailCache{ttl: ttl, max: max, entries: make(map[string]detailEntry)}
}

func (c *detailCache) get(id string, now time.Time) (LocatorDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || now.After(e.expires) {
		delete(c.entries, id)
		return LocatorDetail{}, false
	}
	return e.detail, true
}

func (c *detailCache) put(id string, d LocatorDetail, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		// Drop expired entries first; if none expired, evict the entry
		// closest to expiry. The cache stays bounded either way.
		oldestKey := ""
		var oldestExp time.Time
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
				continue
			}
			if oldestKey == "" || e.expires.Before(oldestExp) {
				oldestKey, oldestExp = k, e.expires
			}
		}
		if len(c.entries) >= c.max && oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[id] = detailEntry{detail: d, expires: now.Add(c.ttl)}
}

// LocatorClient talks to the legacy AMS locator API. The service is
// search-only, so a full pull sweeps every state center.
type LocatorClient struct {
	fetcher fetcher.Fetcher
	baseURL string
	cache   *detailCache
	now     func() time.Time
}

// NewLocatorClient returns a client for the locator service. An empty
// baseURL selects the public endpoint.
func NewLocatorClient(f fetcher.Fetcher, baseURL string) *LocatorClient {
	if baseURL == "" {
		baseURL = LocatorBaseURL
	}
	return &LocatorClient{
		fetcher: f,
		baseURL: strings.TrimRight(baseURL, "/"),
		cache:   newDetailCache(15*time.Minute, 4096),
		now:     time.Now,
	}
}

// SearchNear runs one locSearch around a point and returns the raw
// results with the distance prefix stripped from names.
func (c *LocatorClient) SearchNear(ctx context.Context, lat, lon float64) ([]LocatorResult, error) {
	params := url.Values{
		"lat": {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lng": {strconv.FormatFloat(lon, 'f', -1, 64)},
	}
	body, err := c.fetcher.Download(ctx, c.baseURL+"/locSearch?"+params.Encode())
	if err != nil {
		return nil, eris.Wrap(err, "ingest: locator locSearch")
	}
	defer body.Close()

	resp, err := fetcher.DecodeJSONObject[locatorSearchResponse](body)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: locator decode locSearch")
	}

	results := resp.Results
	if len(results) == 0 {
		results = resp.Items
	}
	for i := range results {
		if results[i].MarketName == "" {
			results[i].MarketName = results[i].Name
		}
		results[i].MarketName = StripDistancePrefix(results[i].MarketName)
	}
	return results, nil
}

// Detail fetches one market's detail record, through the cache.
func (c *LocatorClient) Detail(ctx context.Context, id string) (LocatorDetail, error) {
	now := c.now()
	if d, ok := c.cache.get(id, now); ok {
		return d, nil
	}

	body, err := c.fetcher.Download(ctx, c.baseURL+"/mktDetail?id="+url.QueryEscape(id))
	if err != nil {
		return LocatorDetail{}, eris.Wrapf(err, "ingest: locator mktDetail %s", id)
	}
	defer body.Close()

	resp, err := fetcher.DecodeJSONObject[locatorDetailResponse](body)
	if err != nil {
		return LocatorDetail{}, eris.Wrapf(err, "ingest: locator decode mktDetail %s", id)
	}

	c.cache.put(id, resp.MarketDetails, now)
	return resp.MarketDetails, nil
}

// Sweep searches every state center and resolves details for each hit.
// Records without recoverable coordinates are dropped, as are repeat
// sightings of the same (name, lat, lon).
func (c *LocatorClient) Sweep(ctx context.Context, ingestedAt time.Time) ([]model.MarketRecord, error) {
	states := make([]string, 0, len(stateCenters))
	for s := range stateCenters {
		states = append(states, s)
	}
	sort.Strings(states)

	seen := make(map[string]bool)
	var records []model.MarketRecord

	for _, st := range states {
		center := stateCenters[st]
		results, err := c.SearchNear(ctx, center[0], center[1])
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: locator sweep state %s", st)
		}

		for _, res := range results {
			id := strings.TrimSpace(res.ID)
			if id == "" {
				continue
			}
			name := res.MarketName
			if name == "" {
				name = "Market"
			}

			detail, err := c.Detail(ctx, id)
			if err != nil {
				return nil, err
			}

			lat, lon, ok := ParseGoogleLink(detail.GoogleLink)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s|%.6f|%.6f", name, lat, lon)
			if seen[key] {
				continue
			}
			seen[key] = true

			city, state, zip := splitCityStateZip(detail.Address)

			website := cleanCell(detail.Website)
			if website == "" {
				website = cleanCell(detail.Facebook)
			}

			latV, lonV := lat, lon
			records = append(records, model.MarketRecord{
				ID:          id,
				Name:        name,
				RawAddress:  cleanCell(detail.Address),
				City:        city,
				State:       state,
				Zip:         zip,
				Lat:         &latV,
				Lon:         &lonV,
				Website:     website,
				Phone:       cleanCell(detail.Phone),
				HoursRaw:    cleanCell(detail.Schedule),
				Source:      SourceLocator,
				IngestedAt:  ingestedAt,
				AcceptsSNAP: model.Unknown,
			})
		}
	}

	zap.L().Info("locator sweep complete",
		zap.Int("states", len(states)),
		zap.Int("records", len(records)))
	return records, nil
}

// StripDistancePrefix removes the leading "2.4 " distance locSearch
// prepends to market names.
func StripDistancePrefix(name string) string {
	return strings.TrimSpace(distancePrefixRe.ReplaceAllString(name, ""))
}

// ParseGoogleLink recovers (lat, lon) from a mktDetail GoogleLink value
// like "http://maps.google.com/?q=39.1234%2C-77.5678".
func ParseGoogleLink(link string) (lat, lon float64, ok bool) {
	if link == "" {
		return 0, 0, false
	}
	m := googleLinkEncodedRe.FindStringSubmatch(link)
	if m == nil {
		m = googleLinkPlainRe.FindStringSubmatch(link)
	}
	if m == nil {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(m[1], 64)
	lon, errLon := strconv.ParseFloat(m[2], 64)
	if errLat != nil || errLon != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// splitCityStateZip parses the loose "... City, ST 12345" shape the
// locator uses for addresses. Anything that does not fit comes back
// empty rather than guessed.
func splitCityStateZip(addr string) (city, state, zip string) {
	addr = strings.TrimSpace(addr)
	if addr == "" || !strings.Contains(addr, ",") {
		return "", "", ""
	}
	parts := strings.Split(addr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	last := parts[len(parts)-1]
	if m := stateZipRe.FindStringSubmatch(last); m != nil {
		state, zip = m[1], m[2]
	}
	if len(parts) >= 2 {
		city = parts[len(parts)-2]
	}
	return city, state, zip
}
