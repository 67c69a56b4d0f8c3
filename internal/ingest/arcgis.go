package ingest

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/address"
	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// SourceArcGIS tags rows pulled from the FNS SNAP retailer layer.
const SourceArcGIS = "usda_fns_snap_retailers"

// SNAPRetailerLayerURL is the public FNS SNAP retailer location layer.
const SNAPRetailerLayerURL = "https://services1.arcgis.com/RLQu0rK7h4kbsBq5/arcgis/rest/services/snap_retailer_location_data/FeatureServer/0"

// snapMarketType is the store-type value that selects farmers' markets
// out of the full retailer layer.
const snapMarketType = "Farmers and Markets"

// ArcGISClient pulls farmers'-market rows from the SNAP retailer
// FeatureServer. The layer caps responses at 1000 features, so the
// client fetches the full objectId list first and pages through it in
// sorted chunks.
type ArcGISClient struct {
	fetcher  fetcher.Fetcher
	baseURL  string
	pageSize int
	pause    time.Duration
}

// NewArcGISClient returns a client against the given layer URL.
// An empty layerURL selects the public SNAP retailer layer.
func NewArcGISClient(f fetcher.Fetcher, layerURL string) *ArcGISClient {
	if layerURL == "" {
		layerURL = SNAPRetailerLayerURL
	}
	return &ArcGISClient{
		fetcher:  f,
		baseURL:  strings.TrimRight(layerURL, "/"),
		pageSize: 1000,
		pause:    500 * time.Millisecond,
	}
}

type arcgisLayerInfo struct {
	Fields []struct {
		Name string `json:"name"`
	} `json:"fields"`
}

type arcgisIDs struct {
	ObjectIDs []int64 `json:"objectIds"`
}

type arcgisFeatures struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
	} `json:"features"`
}

// arcgisGet downloads one layer endpoint and decodes the JSON body.
// Methods cannot be generic, so this is a package function over the
// client's fetcher.
func arcgisGet[T any](ctx context.Context, c *ArcGISClient, path string, params url.Values) (*T, error) {
	u := c.baseURL + path + "?" + params.Encode()
	body, err := c.fetcher.Download(ctx, u)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: arcgis GET %s", path)
	}
	defer body.Close()

	out, err := fetcher.DecodeJSONObject[T](body)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: arcgis decode %s", path)
	}
	return out, nil
}

// discoverTypeField finds the store-type column. The layer has shipped
// it under two different names.
func (c *ArcGISClient) discoverTypeField(ctx context.Context) (string, error) {
	info, err := arcgisGet[arcgisLayerInfo](ctx, c, "", url.Values{"f": {"json"}})
	if err != nil {
		return "", err
	}

	names := make(map[string]bool, len(info.Fields))
	for _, f := range info.Fields {
		names[f.Name] = true
	}
	for _, candidate := range []string{"RETAILER_TYPE", "STORE_TYPE"} {
		if names[candidate] {
			return candidate, nil
		}
	}
	return "", eris.New("ingest: arcgis layer has no RETAILER_TYPE or STORE_TYPE field")
}

// FetchMarkets pulls every farmers'-market feature from the layer.
func (c *ArcGISClient) FetchMarkets(ctx context.Context, ingestedAt time.Time) ([]model.MarketRecord, error) {
	typeField, err := c.discoverTypeField(ctx)
	if err != nil {
		return nil, err
	}
	where := fmt.Sprintf("%s='%s'", typeField, snapMarketType)

	ids, err := arcgisGet[arcgisIDs](ctx, c, "/query", url.Values{
		"f":             {"json"},
		"where":         {where},
		"returnIdsOnly": {"true"},
	})
	if err != nil {
		return nil, err
	}
	if len(ids.ObjectIDs) == 0 {
		return nil, eris.Errorf("ingest: arcgis returned no object IDs for %q; store-type value may have changed", snapMarketType)
	}
	sort.Slice(ids.ObjectIDs, func(i, j int) bool { return ids.ObjectIDs[i] < ids.ObjectIDs[j] })

	var records []model.MarketRecord
	for start := 0; start < len(ids.ObjectIDs); start += c.pageSize {
		end := start + c.pageSize
		if end > len(ids.ObjectIDs) {
			end = len(ids.ObjectIDs)
		}

		subset := make([]string, 0, end-start)
		for _, id := range ids.ObjectIDs[start:end] {
			subset = append(subset, strconv.FormatInt(id, 10))
		}

		page, err := arcgisGet[arcgisFeatures](ctx, c, "/query", url.Values{
			"f":              {"json"},
			"objectIds":      {strings.Join(subset, ",")},
			"outFields":      {"*"},
			"returnGeometry": {"false"},
		})
		if err != nil {
			return nil, err
		}

		for _, feat := range page.Features {
			if rec, ok := arcgisRecord(feat.Attributes, ingestedAt); ok {
				records = append(records, rec)
			}
		}

		if end < len(ids.ObjectIDs) {
			select {
			case <-ctx.Done():
				return nil, eris.Wrap(ctx.Err(), "ingest: arcgis fetch canceled")
			case <-time.After(c.pause):
			}
		}
	}

	zap.L().Info("fetched arcgis layer",
		zap.String("type_field", typeField),
		zap.Int("object_ids", len(ids.ObjectIDs)),
		zap.Int("records", len(records)))
	return records, nil
}

// arcgisRecord maps one feature's attributes onto a MarketRecord.
// Rows in this layer are SNAP retailers by definition.
func arcgisRecord(attrs map[string]any, ingestedAt time.Time) (model.MarketRecord, bool) {
	name := attrString(attrs, "RETAILER_NAME", "STORE_NAME")
	if name == "" {
		return model.MarketRecord{}, false
	}

	street := attrString(attrs, "ADDRESS")
	if extra := attrString(attrs, "ADDITIONAL_ADDRESS"); extra != "" {
		street = strings.TrimSpace(street + " " + extra)
	}
	city := attrString(attrs, "CITY")
	state := strings.ToUpper(attrString(attrs, "STATE"))
	zip := address.NormalizeZip(attrString(attrs, "ZIP_CODE", "ZIP"))

	id := attrString(attrs, "RETAILER_ID", "OBJECTID")
	if id == "" {
		id = StableID(name, street, city, state, zip)
	}

	return model.MarketRecord{
		ID:          id,
		Name:        name,
		Street:      street,
		City:        city,
		State:       state,
		Zip:         zip,
		Lat:         attrFloat(attrs, "LATITUDE"),
		Lon:         attrFloat(attrs, "LONGITUDE"),
		AcceptsSNAP: model.True,
		Source:      SourceArcGIS,
		IngestedAt:  ingestedAt,
	}, true
}

// attrString reads the first present attribute, tolerating the numeric
// values ArcGIS returns for ID-like columns.
func attrString(attrs map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := attrs[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func attrFloat(attrs map[string]any, key string) *float64 {
	v, ok := attrs[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		f := t
		return &f
	case string:
		return parseCoord(t)
	}
	return nil
}
