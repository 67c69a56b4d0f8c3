package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/freshlocalharvest/market-pipeline/internal/db"
	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot read path of the query API.
var preparedStatements = map[string]string{
	"get_market": `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`,
	"latest_run": `SELECT manifest FROM ingest_runs ORDER BY ingested_at DESC, id DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// pgMarketsSchema mirrors marketsSchema for the Postgres dialect.
func pgMarketsSchema(table string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + table + ` (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	street            TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	zip               TEXT NOT NULL DEFAULT '',
	lat               DOUBLE PRECISION,
	lon               DOUBLE PRECISION,
	website           TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	accepts_snap      BOOLEAN,
	hours_raw         TEXT NOT NULL DEFAULT '',
	season_start      TEXT NOT NULL DEFAULT '',
	season_end        TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	source_file       TEXT NOT NULL DEFAULT '',
	source_updated_at TIMESTAMPTZ,
	ingested_at       TIMESTAMPTZ NOT NULL
);`
}

const pgMarketIndexes = `
CREATE INDEX IF NOT EXISTS idx_markets_state ON markets(state);
CREATE INDEX IF NOT EXISTS idx_markets_city ON markets(city);
CREATE INDEX IF NOT EXISTS idx_markets_lat_lon ON markets(lat, lon);
`

const postgresMigration = `
CREATE TABLE IF NOT EXISTS zip_centroids (
	key TEXT PRIMARY KEY,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS city_centroids (
	key TEXT PRIMARY KEY,
	lat DOUBLE PRECISION NOT NULL,
	lon DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS rejects (
	id         TEXT NOT NULL,
	record     JSONB NOT NULL,
	reasons    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id          TEXT PRIMARY KEY,
	manifest    JSONB NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_ingested_at ON ingest_runs(ingested_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgMarketsSchema("markets")+pgMarketIndexes); err != nil {
		return eris.Wrap(err, "postgres: migrate markets")
	}
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var marketColumnList = []string{
	"id", "name", "street", "city", "state", "zip", "lat", "lon",
	"website", "phone", "accepts_snap", "hours_raw", "season_start",
	"season_end", "source", "source_file", "source_updated_at", "ingested_at",
}

// ReplaceDataset loads the new dataset into staging tables via COPY,
// then swaps staging for live and merges the centroid tables inside
// one transaction. Readers on the old tables are unaffected until the
// commit, and never see new markets paired with stale centroids.
func (s *PostgresStore) ReplaceDataset(ctx context.Context, snap Snapshot) error {
	markets, rejects := snap.Markets, snap.Rejects
	prep := []string{
		`DROP TABLE IF EXISTS markets_staging`,
		pgMarketsSchema("markets_staging"),
		`DROP TABLE IF EXISTS rejects_staging`,
		`CREATE TABLE rejects_staging (
			id         TEXT NOT NULL,
			record     JSONB NOT NULL,
			reasons    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range prep {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "postgres: prepare staging")
		}
	}

	marketRows := make([][]any, 0, len(markets))
	for i := range markets {
		m := &markets[i]
		marketRows = append(marketRows, []any{
			m.ID, m.Name, m.Street, m.City, m.State, m.Zip, m.Lat, m.Lon,
			m.Website, m.Phone, snapPtr(m.AcceptsSNAP), m.HoursRaw,
			m.SeasonStart, m.SeasonEnd, m.Source, m.SourceFile,
			m.SourceUpdatedAt, m.IngestedAt.UTC(),
		})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "markets_staging", marketColumnList, marketRows); err != nil {
		return err
	}

	now := time.Now().UTC()
	rejectRows := make([][]any, 0, len(rejects))
	for i := range rejects {
		r := &rejects[i]
		recordJSON, err := json.Marshal(r.Record)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal reject")
		}
		rejectRows = append(rejectRows, []any{r.Record.ID, recordJSON, r.ReasonString(), now})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "rejects_staging",
		[]string{"id", "record", "reasons", "created_at"}, rejectRows); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin publish")
	}
	defer tx.Rollback(ctx)

	swap := []string{
		`DROP TABLE IF EXISTS markets`,
		`ALTER TABLE markets_staging RENAME TO markets`,
		`DROP TABLE IF EXISTS rejects`,
		`ALTER TABLE rejects_staging RENAME TO rejects`,
		pgMarketIndexes,
	}
	for _, stmt := range swap {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "postgres: swap staging")
		}
	}

	if err := mergeCentroidsTx(ctx, tx, "zip_centroids", snap.ZipCentroids); err != nil {
		return err
	}
	if err := mergeCentroidsTx(ctx, tx, "city_centroids", snap.CityCentroids); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit publish")
}

// mergeCentroidsTx upserts a derived table via COPY and prunes keys
// absent from the new table, so after commit the stored table matches
// the run's aggregation exactly.
func mergeCentroidsTx(ctx context.Context, tx pgx.Tx, name string, table model.CentroidTable) error {
	rows := make([][]any, 0, len(table))
	for key, c := range table {
		rows = append(rows, []any{key, c.Lat, c.Lon})
	}
	if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        name,
		Columns:      []string{"key", "lat", "lon"},
		ConflictKeys: []string{"key"},
	}, rows); err != nil {
		return err
	}

	_, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key <> ALL($1)`, name),
		centroidKeys(table),
	)
	return eris.Wrapf(err, "postgres: prune %s", name)
}

// pgWhere translates a query filter into a WHERE clause with $n
// placeholders, numbered from startIdx.
func pgWhere(f geoquery.Filter, startIdx int) (string, []any) {
	clauses := []string{"true"}
	var args []any
	idx := startIdx

	if f.Q != "" {
		clauses = append(clauses, fmt.Sprintf(`(name ILIKE $%d OR city ILIKE $%d)`, idx, idx))
		args = append(args, "%"+f.Q+"%")
		idx++
	}
	if f.State != "" {
		clauses = append(clauses, fmt.Sprintf(`state = $%d`, idx))
		args = append(args, f.State)
		idx++
	}
	if f.AcceptsSNAP != nil {
		clauses = append(clauses, fmt.Sprintf(`accepts_snap = $%d`, idx))
		args = append(args, *f.AcceptsSNAP)
		idx++
	}
	if f.BBox != nil {
		clauses = append(clauses, "lat IS NOT NULL AND lon IS NOT NULL")
		clauses = append(clauses, fmt.Sprintf(`lat BETWEEN $%d AND $%d`, idx, idx+1))
		args = append(args, f.BBox.LatMin, f.BBox.LatMax)
		idx += 2
		clauses = append(clauses, fmt.Sprintf(`lon BETWEEN $%d AND $%d`, idx, idx+1))
		args = append(args, f.BBox.LonMin, f.BBox.LonMax)
		idx += 2
	}
	return strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) Markets(ctx context.Context, f geoquery.Filter) ([]model.MarketRecord, error) {
	where, args := pgWhere(f, 1)
	query := `SELECT ` + marketColumns + ` FROM markets WHERE ` + where
	if f.OrderByName {
		query += ` ORDER BY name, id`
	} else {
		query += ` ORDER BY id`
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
			args = append(args, f.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list markets")
	}
	defer rows.Close()

	var out []model.MarketRecord
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list markets iterate")
}

func (s *PostgresStore) CountMarkets(ctx context.Context, f geoquery.Filter) (int, error) {
	where, args := pgWhere(f, 1)
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM markets WHERE `+where, args...,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count markets")
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id,
	)
	m, err := scanMarket(row)
	if err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get market %s", id)
	}
	return m, nil
}

func (s *PostgresStore) Rejects(ctx context.Context, limit, offset int) ([]model.RejectedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT record, reasons FROM rejects ORDER BY id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rejects")
	}
	defer rows.Close()

	var out []model.RejectedRecord
	for rows.Next() {
		var recordJSON []byte
		var reasons string
		if err := rows.Scan(&recordJSON, &reasons); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reject")
		}
		r, err := decodeReject(string(recordJSON), reasons)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rejects iterate")
}

func centroidKeys(table model.CentroidTable) []string {
	keys := make([]string, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	return keys
}

func (s *PostgresStore) GetCentroids(ctx context.Context, kind CentroidKind) (model.CentroidTable, error) {
	name, err := centroidTableName(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT key, lat, lon FROM `+name)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", name)
	}
	defer rows.Close()

	table := model.CentroidTable{}
	for rows.Next() {
		var key string
		var c model.Centroid
		if err := rows.Scan(&key, &c.Lat, &c.Lon); err != nil {
			return nil, eris.Wrap(err, "postgres: scan centroid")
		}
		table[key] = c
	}
	return table, eris.Wrapf(rows.Err(), "postgres: list %s iterate", name)
}

func (s *PostgresStore) RecordRun(ctx context.Context, run *model.IngestRun) error {
	manifest, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingest_runs (id, manifest, ingested_at) VALUES ($1, $2, $3)`,
		run.ID, manifest, run.IngestedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: record run %s", run.ID)
}

func (s *PostgresStore) LatestRun(ctx context.Context) (*model.IngestRun, error) {
	var manifest []byte
	err := s.pool.QueryRow(ctx,
		`SELECT manifest FROM ingest_runs ORDER BY ingested_at DESC, id DESC LIMIT 1`,
	).Scan(&manifest)
	if err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: latest run")
	}
	return decodeRun(string(manifest))
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT manifest FROM ingest_runs ORDER BY ingested_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.IngestRun
	for rows.Next() {
		var manifest []byte
		if err := rows.Scan(&manifest); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r, err := decodeRun(string(manifest))
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
