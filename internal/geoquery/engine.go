package geoquery

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// Filter is the storage-level selection the engine pushes down: cheap,
// index-friendly predicates only. The exact-distance work stays here.
type Filter struct {
	Q           string   // case-insensitive substring on name or city
	State       string   // 2-letter equality
	AcceptsSNAP *bool    // nil = any; false excludes unknown as well
	BBox        *BBox    // lat/lon range prefilter
	Limit       int
	Offset      int
	OrderByName bool // deterministic order for non-spatial queries
}

// Source is the slice of the store the engine reads from.
type Source interface {
	Markets(ctx context.Context, f Filter) ([]model.MarketRecord, error)
	CountMarkets(ctx context.Context, f Filter) (int, error)
}

// Params describes one search request.
type Params struct {
	Q           string
	State       string
	AcceptsSNAP *bool
	Center      *Point  // nil for non-spatial queries
	RadiusM     float64 // 0 falls back to the non-spatial path
	Limit       int
	Offset      int
}

// Point is a lat/lon pair.
type Point struct {
	Lat float64
	Lon float64
}

// Ranked is a record plus its exact distance from the query center.
// DistanceM is nil for non-spatial results.
type Ranked struct {
	Record    model.MarketRecord
	DistanceM *float64
}

// Result is one page of matches. Count is the total number of matches
// after exact filtering, before offset/limit slicing.
type Result struct {
	Count int
	Items []Ranked
}

// Engine answers proximity and filter queries against an immutable,
// batch-published table. It holds no state of its own, so it is safe
// for concurrent use.
type Engine struct {
	src Source
}

// New creates an Engine over the given source.
func New(src Source) *Engine {
	return &Engine{src: src}
}

// Search runs a filtered query. With a center point and positive
// radius it prefilters by bounding box, reranks by true distance, and
// enforces the radius strictly; otherwise it is a plain filtered
// listing ordered by name. A zero radius means "no proximity search",
// not "an infinitely thin circle".
func (e *Engine) Search(ctx context.Context, p Params) (*Result, error) {
	if p.Center == nil || p.RadiusM <= 0 {
		return e.searchFlat(ctx, p)
	}
	return e.searchSpatial(ctx, p)
}

func (e *Engine) searchFlat(ctx context.Context, p Params) (*Result, error) {
	f := Filter{
		Q:           p.Q,
		State:       p.State,
		AcceptsSNAP: p.AcceptsSNAP,
		Limit:       p.Limit,
		Offset:      p.Offset,
		OrderByName: true,
	}

	count, err := e.src.CountMarkets(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "geoquery: count markets")
	}
	records, err := e.src.Markets(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "geoquery: list markets")
	}

	items := make([]Ranked, len(records))
	for i, rec := range records {
		items[i] = Ranked{Record: rec}
	}
	return &Result{Count: count, Items: items}, nil
}

func (e *Engine) searchSpatial(ctx context.Context, p Params) (*Result, error) {
	box := BBoxAround(p.Center.Lat, p.Center.Lon, p.RadiusM)
	f := Filter{
		Q:           p.Q,
		State:       p.State,
		AcceptsSNAP: p.AcceptsSNAP,
		BBox:        &box,
		Limit:       PrefetchLimit(p.Limit, p.Offset),
	}

	candidates, err := e.src.Markets(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "geoquery: prefetch candidates")
	}

	// Exact rerank. Rows without coordinates cannot be ranked and are
	// excluded from spatial results; rows inside the box but outside the
	// true circle are cut here.
	ranked := make([]Ranked, 0, len(candidates))
	for _, rec := range candidates {
		if !rec.HasCoordinates() {
			continue
		}
		d := HaversineM(p.Center.Lat, p.Center.Lon, *rec.Lat, *rec.Lon)
		if d > p.RadiusM {
			continue
		}
		dist := d
		ranked = append(ranked, Ranked{Record: rec, DistanceM: &dist})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].DistanceM < *ranked[j].DistanceM
	})

	zap.L().Debug("spatial rerank",
		zap.Int("candidates", len(candidates)),
		zap.Int("within_radius", len(ranked)),
	)

	return &Result{Count: len(ranked), Items: page(ranked, p.Limit, p.Offset)}, nil
}

// SearchBBox serves map-viewport fetches: an explicit box, no distance
// field, no rerank.
func (e *Engine) SearchBBox(ctx context.Context, box BBox, p Params) (*Result, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}

	f := Filter{
		Q:           p.Q,
		State:       p.State,
		AcceptsSNAP: p.AcceptsSNAP,
		BBox:        &box,
		Limit:       p.Limit,
		Offset:      p.Offset,
		OrderByName: true,
	}

	count, err := e.src.CountMarkets(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "geoquery: count bbox markets")
	}
	records, err := e.src.Markets(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "geoquery: list bbox markets")
	}

	items := make([]Ranked, len(records))
	for i, rec := range records {
		items[i] = Ranked{Record: rec}
	}
	return &Result{Count: count, Items: items}, nil
}

func page(items []Ranked, limit, offset int) []Ranked {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
