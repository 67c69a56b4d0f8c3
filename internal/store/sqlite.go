package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/freshlocalharvest/market-pipeline/internal/geoquery"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const marketColumns = `id, name, street, city, state, zip, lat, lon, website, phone,
	accepts_snap, hours_raw, season_start, season_end, source, source_file,
	source_updated_at, ingested_at`

// marketsSchema is applied for both the served table and its staging
// twin during publish, so the two never drift.
func marketsSchema(table string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + table + ` (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	street            TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	zip               TEXT NOT NULL DEFAULT '',
	lat               REAL,
	lon               REAL,
	website           TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	accepts_snap      INTEGER,
	hours_raw         TEXT NOT NULL DEFAULT '',
	season_start      TEXT NOT NULL DEFAULT '',
	season_end        TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	source_file       TEXT NOT NULL DEFAULT '',
	source_updated_at DATETIME,
	ingested_at       DATETIME NOT NULL
);`
}

const marketIndexes = `
CREATE INDEX IF NOT EXISTS idx_markets_state ON markets(state);
CREATE INDEX IF NOT EXISTS idx_markets_city ON markets(city);
CREATE INDEX IF NOT EXISTS idx_markets_lat_lon ON markets(lat, lon);
`

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS zip_centroids (
	key TEXT PRIMARY KEY,
	lat REAL NOT NULL,
	lon REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS city_centroids (
	key TEXT PRIMARY KEY,
	lat REAL NOT NULL,
	lon REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS rejects (
	id         TEXT NOT NULL,
	record     TEXT NOT NULL,
	reasons    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id          TEXT PRIMARY KEY,
	manifest    TEXT NOT NULL,
	ingested_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_ingested_at ON ingest_runs(ingested_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, marketsSchema("markets")+marketIndexes); err != nil {
		return eris.Wrap(err, "sqlite: migrate markets")
	}
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ReplaceDataset rebuilds the markets, rejects, and centroid tables in
// a single transaction via staging tables, so a concurrent reader sees
// either the old run or the new one, never a mix.
func (s *SQLiteStore) ReplaceDataset(ctx context.Context, snap Snapshot) error {
	markets, rejects := snap.Markets, snap.Rejects
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin publish")
	}
	defer tx.Rollback()

	stmts := []string{
		`DROP TABLE IF EXISTS markets_staging`,
		marketsSchema("markets_staging"),
		`DROP TABLE IF EXISTS rejects_staging`,
		`CREATE TABLE rejects_staging (
			id         TEXT NOT NULL,
			record     TEXT NOT NULL,
			reasons    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return eris.Wrap(err, "sqlite: prepare staging")
		}
	}

	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO markets_staging (`+marketColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer insert.Close()

	for i := range markets {
		m := &markets[i]
		_, err := insert.ExecContext(ctx,
			m.ID, m.Name, m.Street, m.City, m.State, m.Zip,
			m.Lat, m.Lon, m.Website, m.Phone, snapPtr(m.AcceptsSNAP),
			m.HoursRaw, m.SeasonStart, m.SeasonEnd,
			m.Source, m.SourceFile, m.SourceUpdatedAt, m.IngestedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert market %s", m.ID)
		}
	}

	now := time.Now().UTC()
	for i := range rejects {
		r := &rejects[i]
		recordJSON, err := json.Marshal(r.Record)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal reject")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rejects_staging (id, record, reasons, created_at) VALUES (?, ?, ?, ?)`,
			r.Record.ID, string(recordJSON), r.ReasonString(), now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert reject")
		}
	}

	swap := []string{
		`DROP TABLE IF EXISTS markets`,
		`ALTER TABLE markets_staging RENAME TO markets`,
		`DROP TABLE IF EXISTS rejects`,
		`ALTER TABLE rejects_staging RENAME TO rejects`,
	}
	for _, stmt := range swap {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return eris.Wrap(err, "sqlite: swap staging")
		}
	}
	if _, err := tx.ExecContext(ctx, marketIndexes); err != nil {
		return eris.Wrap(err, "sqlite: recreate indexes")
	}

	if err := replaceCentroidsTx(ctx, tx, "zip_centroids", snap.ZipCentroids); err != nil {
		return err
	}
	if err := replaceCentroidsTx(ctx, tx, "city_centroids", snap.CityCentroids); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit publish")
}

// replaceCentroidsTx rebuilds one centroid table inside the publish
// transaction.
func replaceCentroidsTx(ctx context.Context, tx *sql.Tx, name string, table model.CentroidTable) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+name); err != nil {
		return eris.Wrapf(err, "sqlite: clear %s", name)
	}
	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO `+name+` (key, lat, lon) VALUES (?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare centroid insert")
	}
	defer insert.Close()

	for key, c := range table {
		if _, err := insert.ExecContext(ctx, key, c.Lat, c.Lon); err != nil {
			return eris.Wrapf(err, "sqlite: insert centroid %s", key)
		}
	}
	return nil
}

// sqliteWhere translates a query filter into a WHERE clause with `?`
// placeholders. The bbox clause also drops rows without coordinates.
func sqliteWhere(f geoquery.Filter) (string, []any) {
	clauses := []string{"1=1"}
	var args []any

	if f.Q != "" {
		pat := "%" + strings.ToLower(f.Q) + "%"
		clauses = append(clauses, `(LOWER(name) LIKE ? OR LOWER(city) LIKE ?)`)
		args = append(args, pat, pat)
	}
	if f.State != "" {
		clauses = append(clauses, `state = ?`)
		args = append(args, f.State)
	}
	if f.AcceptsSNAP != nil {
		clauses = append(clauses, `accepts_snap = ?`)
		args = append(args, *f.AcceptsSNAP)
	}
	if f.BBox != nil {
		clauses = append(clauses,
			`lat IS NOT NULL AND lon IS NOT NULL`,
			`lat BETWEEN ? AND ?`,
			`lon BETWEEN ? AND ?`,
		)
		args = append(args, f.BBox.LatMin, f.BBox.LatMax, f.BBox.LonMin, f.BBox.LonMax)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) Markets(ctx context.Context, f geoquery.Filter) ([]model.MarketRecord, error) {
	where, args := sqliteWhere(f)
	query := `SELECT ` + marketColumns + ` FROM markets WHERE ` + where
	if f.OrderByName {
		query += ` ORDER BY name, id`
	} else {
		query += ` ORDER BY id`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list markets")
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
	return out, eris.Wrap(rows.Err(), "sqlite: list markets iterate")
}

func (s *SQLiteStore) CountMarkets(ctx context.Context, f geoquery.Filter) (int, error) {
	where, args := sqliteWhere(f)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM markets WHERE `+where, args...,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count markets")
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.MarketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = ?`, id,
	)
	m, err := scanMarket(row)
	if err != nil {
		if noRows(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get market %s", id)
	}
	return m, nil
}

func (s *SQLiteStore) Rejects(ctx context.Context, limit, offset int) ([]model.RejectedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record, reasons FROM rejects ORDER BY id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rejects")
	}
	defer rows.Close()

	var out []model.RejectedRecord
	for rows.Next() {
		var recordJSON, reasons string
		if err := rows.Scan(&recordJSON, &reasons); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reject")
		}
		r, err := decodeReject(recordJSON, reasons)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rejects iterate")
}

func (s *SQLiteStore) GetCentroids(ctx context.Context, kind CentroidKind) (model.CentroidTable, error) {
	name, err := centroidTableName(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, lat, lon FROM `+name)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", name)
	}
	defer rows.Close()

	table := model.CentroidTable{}
	for rows.Next() {
		var key string
		var c model.Centroid
		if err := rows.Scan(&key, &c.Lat, &c.Lon); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan centroid")
		}
		table[key] = c
	}
	return table, eris.Wrapf(rows.Err(), "sqlite: list %s iterate", name)
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run *model.IngestRun) error {
	manifest, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, manifest, ingested_at) VALUES (?, ?, ?)`,
		run.ID, string(manifest), run.IngestedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record run %s", run.ID)
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.IngestRun, error) {
	var manifest string
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest FROM ingest_runs ORDER BY ingested_at DESC, id DESC LIMIT 1`,
	).Scan(&manifest)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest run")
	}
	return decodeRun(manifest)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT manifest FROM ingest_runs ORDER BY ingested_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.IngestRun
	for rows.Next() {
		var manifest string
		if err := rows.Scan(&manifest); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r, err := decodeRun(manifest)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

