package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/corpsignal/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS signals (
	entity_id   TEXT NOT NULL,
	signature   TEXT NOT NULL,
	id          TEXT NOT NULL,
	agent       TEXT NOT NULL,
	category    TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	conflict_id TEXT,
	payload     TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (entity_id, signature)
);

CREATE TABLE IF NOT EXISTS profile_cache (
	entity_id  TEXT PRIMARY KEY,
	layer      TEXT NOT NULL,
	data       TEXT NOT NULL,
	cached_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	diagnostics TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_category ON signals(entity_id, category);
CREATE INDEX IF NOT EXISTS idx_runs_entity ON runs(entity_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SignaturesExist(ctx context.Context, entityID string, signatures []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for _, batch := range chunks(signatures, lookupBatch) {
		args := make([]any, 0, len(batch)+1)
		args = append(args, entityID)
		for _, sig := range batch {
			args = append(args, sig)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		rows, err := s.db.QueryContext(ctx,
			`SELECT signature FROM signals WHERE entity_id = ? AND signature IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: lookup signatures for %s", entityID)
		}
		for rows.Next() {
			var sig string
			if err := rows.Scan(&sig); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan signature")
			}
			found[sig] = true
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup signatures iterate")
		}
	}
	return found, nil
}

// SaveSignals inserts signals keyed by (entity, signature). Existing rows
// are left untouched; the count of newly written rows is returned.
func (s *SQLiteStore) SaveSignals(ctx context.Context, entityID string, signals []model.Signal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save signals")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO signals (entity_id, signature, id, agent, category, signal_type, conflict_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare save signals")
	}
	defer stmt.Close() //nolint:errcheck

	now := s.now().UTC()
	written := 0
	for _, sig := range signals {
		if sig.Signature == "" {
			return 0, eris.Errorf("sqlite: signal %s has no signature", sig.ID)
		}
		payload, err := json.Marshal(sig)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal signal")
		}
		res, err := stmt.ExecContext(ctx,
			entityID, sig.Signature, sig.ID, sig.Agent, string(sig.Category), string(sig.Type),
			nullString(sig.ConflictID), string(payload), now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert signal %s", sig.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit save signals")
	}
	return written, nil
}

// GetCachedProfile returns nil when there is no unexpired entry.
func (s *SQLiteStore) GetCachedProfile(ctx context.Context, entityID string) (*model.Profile, error) {
	var data string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at FROM profile_cache WHERE entity_id = ?`,
		entityID,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cached profile %s", entityID)
	}
	if !expiresAt.After(s.now()) {
		return nil, nil
	}

	var p model.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached profile")
	}
	return &p, nil
}

func (s *SQLiteStore) SetCachedProfile(ctx context.Context, profile model.Profile, ttl time.Duration) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal profile")
	}
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profile_cache (entity_id, layer, data, cached_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET layer = excluded.layer, data = excluded.data,
		 cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		profile.EntityID, profile.Layer.String(), string(data), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached profile")
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.Run) error {
	diag, err := json.Marshal(run.Diagnostics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal diagnostics")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, entity_id, kind, status, diagnostics, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.EntityID, string(run.Kind), string(run.Status), string(diag),
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var diag sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, entity_id, kind, status, diagnostics, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	).Scan(&r.ID, &r.EntityID, &r.Kind, &r.Status, &diag, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	if diag.Valid && diag.String != "" && diag.String != "null" {
		if err := json.Unmarshal([]byte(diag.String), &r.Diagnostics); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal diagnostics")
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
