// Package server exposes the read-only query API over the published
// market table: filtered listings, radius and viewport searches, single
// record lookup, and a health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/centroid"
	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
	"github.com/freshlocalharvest/market-pipeline/internal/store"
)

// Backend is the slice of the store the API reads. Every method sees
// the published dataset only; nothing here writes.
type Backend interface {
	geoquery.Source
	GetMarket(ctx context.Context, id string) (*model.MarketRecord, error)
	GetCentroids(ctx context.Context, kind store.CentroidKind) (model.CentroidTable, error)
	Ping(ctx context.Context) error
}

// Server answers query requests against a Backend.
type Server struct {
	backend Backend
	engine  *geoquery.Engine
}

// New creates a Server over the given backend.
func New(backend Backend) *Server {
	return &Server{backend: backend, engine: geoquery.New(backend)}
}

// Router builds the HTTP handler: CORS for browser map clients, request
// logging, and the market routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/markets", s.handleMarkets)
	r.Get("/markets/bbox", s.handleBBox)
	r.Get("/markets/{id}", s.handleMarket)

	return r
}

// item is one response row. The record's wire shape is reused as-is;
// distance_m appears only on spatial queries.
type item struct {
	model.MarketRecord
	DistanceM *float64 `json:"distance_m,omitempty"`
}

// listResponse is the envelope for /markets and /markets/bbox. Count is
// the total match count before pagination.
type listResponse struct {
	Count int    `json:"count"`
	Items []item `json:"items"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	params, err := parseMarketParams(r)
	if err != nil {
		writeInputError(w, err)
		return
	}

	center, err := s.resolveCenter(r.Context(), params)
	if err != nil {
		writeInputError(w, err)
		return
	}

	result, err := s.engine.Search(r.Context(), geoquery.Params{
		Q:           params.q,
		State:       params.state,
		AcceptsSNAP: params.acceptsSNAP,
		Center:      center,
		RadiusM:     params.radiusM,
		Limit:       params.limit,
		Offset:      params.offset,
	})
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(result))
}

func (s *Server) handleBBox(w http.ResponseWriter, r *http.Request) {
	box, params, err := parseBBoxParams(r)
	if err != nil {
		writeInputError(w, err)
		return
	}

	result, err := s.engine.SearchBBox(r.Context(), box, geoquery.Params{
		Q:           params.q,
		State:       params.state,
		AcceptsSNAP: params.acceptsSNAP,
		Limit:       params.limit,
		Offset:      params.offset,
	})
	if err != nil {
		if errors.Is(err, geoquery.ErrInvalidBBox) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(result))
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.backend.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item{MarketRecord: *rec})
}

// resolveCenter turns the request's location inputs into a query
// center. Explicit coordinates win; a zip or city falls back to the
// published centroid tables.
func (s *Server) resolveCenter(ctx context.Context, p marketParams) (*geoquery.Point, error) {
	if p.lat != nil && p.lon != nil {
		return &geoquery.Point{Lat: *p.lat, Lon: *p.lon}, nil
	}

	if p.zip != "" {
		table, err := s.backend.GetCentroids(ctx, store.CentroidZip)
		if err != nil {
			return nil, err
		}
		c, ok := centroid.LookupZip(table, p.zip)
		if !ok {
			return nil, inputErrorf("no centroid for zip %q", p.zip)
		}
		return &geoquery.Point{Lat: c.Lat, Lon: c.Lon}, nil
	}

	if p.city != "" {
		table, err := s.backend.GetCentroids(ctx, store.CentroidCity)
		if err != nil {
			return nil, err
		}
		c, ok := centroid.LookupCity(table, p.city, p.state)
		if !ok {
			return nil, inputErrorf("no centroid for city %q", p.city)
		}
		return &geoquery.Point{Lat: c.Lat, Lon: c.Lon}, nil
	}

	return nil, nil
}

func toListResponse(result *geoquery.Result) listResponse {
	items := make([]item, len(result.Items))
	for i, ranked := range result.Items {
		items[i] = item{MarketRecord: ranked.Record}
		if ranked.DistanceM != nil {
			d := math.Round(*ranked.DistanceM*10) / 10
			items[i].DistanceM = &d
		}
	}
	return listResponse{Count: result.Count, Items: items}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeInputError maps parse and resolution failures: caller mistakes
// get a 400, backend failures a 503.
func writeInputError(w http.ResponseWriter, err error) {
	var ie *inputError
	if errors.As(err, &ie) {
		writeError(w, http.StatusBadRequest, ie.Error())
		return
	}
	writeQueryError(w, err)
}

func writeQueryError(w http.ResponseWriter, err error) {
	zap.L().Error("query failed", zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "store unavailable")
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		zap.L().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
