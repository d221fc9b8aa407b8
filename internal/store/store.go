package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"campuswatch/presence-server/internal/geo"
	"campuswatch/presence-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding the ingestion audit log and
// persisted settings. Live presence is never written here.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT,
			source TEXT NOT NULL,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ingestion_errors_created ON ingestion_errors(created_at);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InsertIngestionError records a location report that was rejected.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (user_id, source, payload, error) VALUES (?, ?, ?, ?);`,
		nullIfEmpty(e.ActorID),
		e.Source,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns the newest rejected reports first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(user_id, ''), source, COALESCE(payload, ''), error, created_at
		 FROM ingestion_errors ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	out := make([]model.IngestionError, 0, limit)
	for rows.Next() {
		var e model.IngestionError
		if err := rows.Scan(&e.ActorID, &e.Source, &e.Payload, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return out, nil
}

// PruneIngestionErrors deletes audit rows older than cutoff and returns how
// many were removed.
func (s *Store) PruneIngestionErrors(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ingestion_errors WHERE created_at < ?;`,
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"))
	if err != nil {
		return 0, fmt.Errorf("prune ingestion errors: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

const campusKey = "campus_polygon"

// Campus loads the persisted campus boundary. The boolean is false when
// none has been saved yet.
func (s *Store) Campus(ctx context.Context) (geo.Polygon, bool, error) {
	if s.db == nil {
		return nil, false, fmt.Errorf("store not initialized")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, campusKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get campus polygon: %w", err)
	}

	var poly geo.Polygon
	if err := json.Unmarshal([]byte(raw), &poly); err != nil {
		return nil, false, fmt.Errorf("decode campus polygon: %w", err)
	}
	if err := poly.Validate(); err != nil {
		return nil, false, fmt.Errorf("stored campus polygon: %w", err)
	}
	return poly, true, nil
}

// SaveCampus persists the campus boundary so later starts without a
// boundary file reuse it.
func (s *Store) SaveCampus(ctx context.Context, poly geo.Polygon) error {
	if err := poly.Validate(); err != nil {
		return fmt.Errorf("save campus polygon: %w", err)
	}
	bytes, err := json.Marshal(poly)
	if err != nil {
		return fmt.Errorf("encode campus polygon: %w", err)
	}
	if err := s.UpsertAppConfig(ctx, campusKey, string(bytes)); err != nil {
		return fmt.Errorf("save campus polygon: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
