package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpsignal/internal/db"
	"github.com/sells-group/corpsignal/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"lookup_signatures":  `SELECT signature FROM signals WHERE entity_id = $1 AND signature = ANY($2)`,
	"get_cached_profile": `SELECT data, expires_at FROM profile_cache WHERE entity_id = $1`,
	"set_cached_profile": upsertProfileSQL,
	"insert_run":         insertRunSQL,
}

const upsertProfileSQL = `INSERT INTO profile_cache (entity_id, layer, data, cached_at, expires_at) VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (entity_id) DO UPDATE SET layer = EXCLUDED.layer, data = EXCLUDED.data,
	cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at`

const insertRunSQL = `INSERT INTO runs (id, entity_id, kind, status, diagnostics, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`

var signalColumns = []string{"entity_id", "signature", "id", "agent", "category", "signal_type", "conflict_id", "payload", "created_at"}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

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
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS signals (
	entity_id   TEXT NOT NULL,
	signature   TEXT NOT NULL,
	id          TEXT NOT NULL,
	agent       TEXT NOT NULL,
	category    TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	conflict_id TEXT,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_id, signature)
);

CREATE TABLE IF NOT EXISTS profile_cache (
	entity_id  TEXT PRIMARY KEY,
	layer      TEXT NOT NULL,
	data       JSONB NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	diagnostics JSONB,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_category ON signals(entity_id, category);
CREATE INDEX IF NOT EXISTS idx_profile_cache_expires_at ON profile_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_runs_entity ON runs(entity_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SignaturesExist(ctx context.Context, entityID string, signatures []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for _, batch := range chunks(signatures, lookupBatch) {
		rows, err := s.pool.Query(ctx,
			`SELECT signature FROM signals WHERE entity_id = $1 AND signature = ANY($2)`,
			entityID, batch,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: lookup signatures for %s", entityID)
		}
		for rows.Next() {
			var sig string
			if err := rows.Scan(&sig); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan signature")
			}
			found[sig] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "postgres: lookup signatures iterate")
		}
	}
	return found, nil
}

// SaveSignals bulk-inserts through a staging table. Conflicting
// (entity, signature) rows are ignored.
func (s *PostgresStore) SaveSignals(ctx context.Context, entityID string, signals []model.Signal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	now := s.now().UTC()
	rows := make([][]any, 0, len(signals))
	for _, sig := range signals {
		if sig.Signature == "" {
			return 0, eris.Errorf("postgres: signal %s has no signature", sig.ID)
		}
		payload, err := json.Marshal(sig)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal signal")
		}
		var conflict *string
		if sig.ConflictID != "" {
			conflict = &sig.ConflictID
		}
		rows = append(rows, []any{
			entityID, sig.Signature, sig.ID, sig.Agent, string(sig.Category), string(sig.Type),
			conflict, payload, now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:           "signals",
		Columns:         signalColumns,
		ConflictKeys:    []string{"entity_id", "signature"},
		IgnoreConflicts: true,
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: save signals for %s", entityID)
	}
	return int(n), nil
}

// GetCachedProfile returns nil when there is no unexpired entry.
func (s *PostgresStore) GetCachedProfile(ctx context.Context, entityID string) (*model.Profile, error) {
	var data []byte
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT data, expires_at FROM profile_cache WHERE entity_id = $1`,
		entityID,
	).Scan(&data, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cached profile %s", entityID)
	}
	if !expiresAt.After(s.now()) {
		return nil, nil
	}

	var p model.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached profile")
	}
	return &p, nil
}

func (s *PostgresStore) SetCachedProfile(ctx context.Context, profile model.Profile, ttl time.Duration) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal profile")
	}
	now := s.now().UTC()
	_, err = s.pool.Exec(ctx, upsertProfileSQL,
		profile.EntityID, profile.Layer.String(), data, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached profile")
}

func (s *PostgresStore) SaveRun(ctx context.Context, run model.Run) error {
	diag, err := json.Marshal(run.Diagnostics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal diagnostics")
	}
	_, err = s.pool.Exec(ctx, insertRunSQL,
		run.ID, run.EntityID, string(run.Kind), string(run.Status), diag,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var kind, status string
	var diag []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, entity_id, kind, status, diagnostics, started_at, finished_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.EntityID, &kind, &status, &diag, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	r.Kind = model.RunKind(kind)
	r.Status = model.RunStatus(status)
	if len(diag) > 0 && string(diag) != "null" {
		if err := json.Unmarshal(diag, &r.Diagnostics); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal diagnostics")
		}
	}
	return &r, nil
}
