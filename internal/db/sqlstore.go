package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// migrations are written in the subset of SQL shared by SQLite and PostgreSQL.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS usage_samples (
    id            TEXT PRIMARY KEY,
    provider      TEXT NOT NULL DEFAULT 'vps',
    entity_id     TEXT NOT NULL,
    resource_id   TEXT NOT NULL DEFAULT '',
    resource_type TEXT NOT NULL DEFAULT '',
    metric        TEXT NOT NULL,
    observed_at   TIMESTAMP NOT NULL,
    value         DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost          DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_samples_observed_at ON usage_samples(observed_at);
CREATE INDEX IF NOT EXISTS idx_usage_samples_provider_metric ON usage_samples(provider, metric, observed_at);
CREATE INDEX IF NOT EXISTS idx_usage_samples_entity ON usage_samples(entity_id, observed_at);

CREATE TABLE IF NOT EXISTS threshold_overrides (
    id           TEXT PRIMARY KEY,
    entity_id    TEXT,
    metric       TEXT NOT NULL,
    method       TEXT NOT NULL DEFAULT 'quantile',
    value        DOUBLE PRECISION NOT NULL,
    window_hours INTEGER NOT NULL DEFAULT 24,
    created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threshold_overrides_metric ON threshold_overrides(metric, created_at DESC);
`,
	},
	// Migration 2: alert history
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS alerts (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    entity_id     TEXT NOT NULL DEFAULT '',
    resource_id   TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL DEFAULT '',
    metric        TEXT NOT NULL DEFAULT '',
    severity      TEXT NOT NULL,
    message       TEXT NOT NULL DEFAULT '',
    payload       TEXT NOT NULL DEFAULT '{}',
    delivered_via TEXT NOT NULL DEFAULT 'none',
    status        TEXT NOT NULL DEFAULT 'created',
    created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_kind ON alerts(kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts(entity_id);
`,
	},
	// Migration 3: forecast + evaluation runs, model artifacts
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS forecast_runs (
    id           TEXT PRIMARY KEY,
    provider     TEXT NOT NULL,
    scope        TEXT NOT NULL DEFAULT 'total_daily_cost',
    model_type   TEXT NOT NULL,
    mae          DOUBLE PRECISION NOT NULL DEFAULT 0,
    rmse         DOUBLE PRECISION NOT NULL DEFAULT 0,
    mape         DOUBLE PRECISION NOT NULL DEFAULT 0,
    horizon_days INTEGER NOT NULL,
    input_points INTEGER NOT NULL,
    predictions  TEXT NOT NULL DEFAULT '[]',
    created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_forecast_runs_provider ON forecast_runs(provider, created_at DESC);

CREATE TABLE IF NOT EXISTS evaluation_runs (
    id              TEXT PRIMARY KEY,
    model_name      TEXT NOT NULL,
    window_hours    INTEGER NOT NULL,
    z_score         DOUBLE PRECISION NOT NULL,
    threshold       DOUBLE PRECISION NOT NULL,
    tp              INTEGER NOT NULL DEFAULT 0,
    fp              INTEGER NOT NULL DEFAULT 0,
    fn              INTEGER NOT NULL DEFAULT 0,
    tn              INTEGER NOT NULL DEFAULT 0,
    precision_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    recall          DOUBLE PRECISION NOT NULL DEFAULT 0,
    f1              DOUBLE PRECISION NOT NULL DEFAULT 0,
    accuracy        DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluation_runs_model ON evaluation_runs(model_name, created_at DESC);

CREATE TABLE IF NOT EXISTS model_artifacts (
    id         TEXT PRIMARY KEY,
    model_name TEXT NOT NULL,
    variant    TEXT NOT NULL,
    trained_at TIMESTAMP NOT NULL,
    row_count  INTEGER NOT NULL DEFAULT 0,
    columns    TEXT NOT NULL DEFAULT '[]',
    params     TEXT NOT NULL DEFAULT '{}',
    snapshot   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_model_artifacts_name ON model_artifacts(model_name, trained_at DESC);
`,
	},
}

// sqlStore is the sqlx-backed implementation of Store.
type sqlStore struct {
	db *sqlx.DB
}

// Open returns a Store for the named driver. An empty driver means SQLite.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Every pooled connection to ":memory:" would get its own empty database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode so readers do not block the writer.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return newStore(db)
}

// NewPostgresStore connects to PostgreSQL using a lib/pq DSN and runs all
// pending schema migrations.
func NewPostgresStore(dsn string) (Store, error) {
	db, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newStore(db)
}

func newStore(db *sqlx.DB) (Store, error) {
	s := &sqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Usage samples ────────────────────────────────────────────────────────────

func (s *sqlStore) AppendSamples(ctx context.Context, samples []models.UsageSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
        INSERT INTO usage_samples(id, provider, entity_id, resource_id, resource_type, metric, observed_at, value, cost)
        VALUES(:id, :provider, :entity_id, :resource_id, :resource_type, :metric, :observed_at, :value, :cost)
    `)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i := range samples {
		smp := samples[i]
		if smp.ID == "" {
			smp.ID = uuid.NewString()
		}
		smp.Timestamp = smp.Timestamp.UTC()
		if _, err := stmt.ExecContext(ctx, smp); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) QuerySamples(ctx context.Context, q SampleQuery) ([]models.UsageSample, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, q.Provider)
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if len(q.Metrics) > 0 {
		where = append(where, "metric IN (?)")
		args = append(args, q.Metrics)
	}
	if !q.Since.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		where = append(where, "observed_at < ?")
		args = append(args, q.Until.UTC())
	}

	query := `SELECT id, provider, entity_id, resource_id, resource_type, metric, observed_at, value, cost FROM usage_samples`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY observed_at ASC, entity_id ASC"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("expand sample query: %w", err)
	}

	var out []models.UsageSample
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	for i := range out {
		out[i].Timestamp = out[i].Timestamp.UTC()
	}
	return out, nil
}

// ─── Threshold overrides ──────────────────────────────────────────────────────

func (s *sqlStore) SaveThresholdOverride(ctx context.Context, o *models.ThresholdOverride) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Method == "" {
		o.Method = "quantile"
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO threshold_overrides(id, entity_id, metric, method, value, window_hours, created_at)
        VALUES(:id, :entity_id, :metric, :method, :value, :window_hours, :created_at)
    `, o)
	if err != nil {
		return fmt.Errorf("insert threshold override: %w", err)
	}
	return nil
}

func (s *sqlStore) ListThresholdOverrides(ctx context.Context, metric string) ([]models.ThresholdOverride, error) {
	var out []models.ThresholdOverride
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
        SELECT id, entity_id, metric, method, value, window_hours, created_at
        FROM threshold_overrides WHERE metric = ? ORDER BY created_at DESC
    `), metric)
	if err != nil {
		return nil, fmt.Errorf("query threshold overrides: %w", err)
	}
	return out, nil
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

func (s *sqlStore) AppendAlert(ctx context.Context, rec *models.AlertRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = []byte(`{}`)
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO alerts(id, kind, entity_id, resource_id, provider, metric, severity, message, payload, delivered_via, status, created_at)
        VALUES(:id, :kind, :entity_id, :resource_id, :provider, :metric, :severity, :message, :payload, :delivered_via, :status, :created_at)
    `, rec)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *sqlStore) QueryAlerts(ctx context.Context, q AlertQuery) ([]models.AlertRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, q.EntityID)
	}
	if q.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, q.Severity)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	query := `SELECT id, kind, entity_id, resource_id, provider, metric, severity, message, payload, delivered_via, status, created_at FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	var out []models.AlertRecord
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return out, nil
}

// ─── Forecast runs ────────────────────────────────────────────────────────────

func (s *sqlStore) AppendForecastRun(ctx context.Context, run *models.ForecastRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if len(run.Predictions) == 0 {
		run.Predictions = []byte(`[]`)
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO forecast_runs(id, provider, scope, model_type, mae, rmse, mape, horizon_days, input_points, predictions, created_at)
        VALUES(:id, :provider, :scope, :model_type, :mae, :rmse, :mape, :horizon_days, :input_points, :predictions, :created_at)
    `, run)
	if err != nil {
		return fmt.Errorf("insert forecast run: %w", err)
	}
	return nil
}

func (s *sqlStore) ListForecastRuns(ctx context.Context, provider string, limit int) ([]models.ForecastRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []models.ForecastRun
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
        SELECT id, provider, scope, model_type, mae, rmse, mape, horizon_days, input_points, predictions, created_at
        FROM forecast_runs WHERE provider = ? ORDER BY created_at DESC LIMIT ?
    `), provider, limit)
	if err != nil {
		return nil, fmt.Errorf("query forecast runs: %w", err)
	}
	return out, nil
}

// ─── Evaluation runs ──────────────────────────────────────────────────────────

func (s *sqlStore) AppendEvaluationRun(ctx context.Context, run *models.EvaluationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO evaluation_runs(id, model_name, window_hours, z_score, threshold, tp, fp, fn, tn, precision_score, recall, f1, accuracy, created_at)
        VALUES(:id, :model_name, :window_hours, :z_score, :threshold, :tp, :fp, :fn, :tn, :precision_score, :recall, :f1, :accuracy, :created_at)
    `, run)
	if err != nil {
		return fmt.Errorf("insert evaluation run: %w", err)
	}
	return nil
}

func (s *sqlStore) ListEvaluationRuns(ctx context.Context, modelName string, limit int) ([]models.EvaluationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, model_name, window_hours, z_score, threshold, tp, fp, fn, tn, precision_score, recall, f1, accuracy, created_at FROM evaluation_runs`
	var args []interface{}
	if modelName != "" {
		query += " WHERE model_name = ?"
		args = append(args, modelName)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var out []models.EvaluationRun
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query evaluation runs: %w", err)
	}
	return out, nil
}

// ─── Model artifacts ──────────────────────────────────────────────────────────

func (s *sqlStore) SaveModelArtifact(ctx context.Context, a *models.ModelArtifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.TrainedAt.IsZero() {
		a.TrainedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO model_artifacts(id, model_name, variant, trained_at, row_count, columns, params, snapshot)
        VALUES(:id, :model_name, :variant, :trained_at, :row_count, :columns, :params, :snapshot)
    `, a)
	if err != nil {
		return fmt.Errorf("insert model artifact: %w", err)
	}
	return nil
}

func (s *sqlStore) LatestModelArtifact(ctx context.Context, modelName string) (*models.ModelArtifact, error) {
	var a models.ModelArtifact
	err := s.db.GetContext(ctx, &a, s.db.Rebind(`
        SELECT id, model_name, variant, trained_at, row_count, columns, params, snapshot
        FROM model_artifacts WHERE model_name = ? ORDER BY trained_at DESC LIMIT 1
    `), modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query model artifact: %w", err)
	}
	return &a, nil
}
