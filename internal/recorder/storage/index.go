// storage/index.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/mikeyg42/mecam/internal/config"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// ErrNotFound is returned when the index holds no matching artifact.
var ErrNotFound = errors.New("storage: artifact not found")

// Index records completed artifacts in SQLite (default) or PostgreSQL.
type Index struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

type artifactRow struct {
	ID         string `db:"id"`
	SessionID  string `db:"session_id"`
	Path       string `db:"path"`
	SourcePath string `db:"source_path"`
	Encrypted  bool   `db:"encrypted"`
	KeyRef     string `db:"key_ref"`
	SizeBytes  int64  `db:"size_bytes"`
	Frames     int    `db:"frames"`
	StartedAt  int64  `db:"started_at"`
	EndedAt    int64  `db:"ended_at"`
	CreatedAt  int64  `db:"created_at"`
}

func (r artifactRow) artifact() Artifact {
	return Artifact{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Path:       r.Path,
		SourcePath: r.SourcePath,
		Encrypted:  r.Encrypted,
		KeyRef:     r.KeyRef,
		SizeBytes:  r.SizeBytes,
		Frames:     r.Frames,
		StartedAt:  time.UnixMilli(r.StartedAt).UTC(),
		EndedAt:    time.UnixMilli(r.EndedAt).UTC(),
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
	}
}

// OpenIndex connects to the configured backend and applies the schema.
func OpenIndex(ctx context.Context, cfg config.IndexConfig, logger recorderlog.Logger) (*Index, error) {
	if logger == nil {
		logger = recorderlog.L()
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		db, err = sqlx.Open("sqlite", cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
		// one writer; avoids SQLITE_BUSY between the worker and the API
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
			}
		}
	case "postgres":
		pg := cfg.Postgres
		if pg.Port == 0 {
			pg.Port = 5432
		}
		if pg.SSLMode == "" {
			pg.SSLMode = "require"
		}
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, pg.Port, pg.Username, pg.Password, pg.Database, pg.SSLMode,
		)
		db, err = sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unknown index driver %q", cfg.Driver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	idx := &Index{db: db, logger: logger.Named("index")}
	if err := idx.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (x *Index) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			path        TEXT NOT NULL,
			source_path TEXT NOT NULL DEFAULT '',
			encrypted   BOOLEAN NOT NULL DEFAULT FALSE,
			key_ref     TEXT NOT NULL DEFAULT '',
			size_bytes  BIGINT NOT NULL DEFAULT 0,
			frames      INTEGER NOT NULL DEFAULT 0,
			started_at  BIGINT NOT NULL,
			ended_at    BIGINT NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_ended_at ON artifacts (ended_at)`,
		`CREATE TABLE IF NOT EXISTS notification_jobs (
			id          TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL,
			channel     TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			last_error  TEXT NOT NULL DEFAULT '',
			updated_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_jobs_artifact ON notification_jobs (artifact_id)`,
	}
	for _, stmt := range stmts {
		if _, err := x.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts a completed artifact.
func (x *Index) Record(ctx context.Context, a Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	query := x.db.Rebind(`INSERT INTO artifacts (
		id, session_id, path, source_path, encrypted, key_ref,
		size_bytes, frames, started_at, ended_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := x.db.ExecContext(ctx, query,
		a.ID, a.SessionID, a.Path, a.SourcePath, a.Encrypted, a.KeyRef,
		a.SizeBytes, a.Frames, a.StartedAt.UnixMilli(), a.EndedAt.UnixMilli(), a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	x.logger.Debug("Artifact indexed", recorderlog.String("id", a.ID), recorderlog.String("path", a.Path))
	return nil
}

// List returns artifacts newest first.
func (x *Index) List(ctx context.Context, q ArtifactQuery) ([]Artifact, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := x.db.Rebind(`SELECT * FROM artifacts WHERE ended_at >= ? ORDER BY ended_at DESC, created_at DESC LIMIT ?`)

	var rows []artifactRow
	if err := x.db.SelectContext(ctx, &rows, query, sinceMillis(q.Since), limit); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]Artifact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.artifact())
	}
	return out, nil
}

// Latest returns the most recent artifact or ErrNotFound.
func (x *Index) Latest(ctx context.Context) (Artifact, error) {
	var row artifactRow
	err := x.db.GetContext(ctx, &row, `SELECT * FROM artifacts ORDER BY ended_at DESC, created_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("latest artifact: %w", err)
	}
	return row.artifact(), nil
}

// CountSince counts artifacts that ended at or after t.
func (x *Index) CountSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	if err := x.db.GetContext(ctx, &n, x.db.Rebind(`SELECT COUNT(*) FROM artifacts WHERE ended_at >= ?`), sinceMillis(t)); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// Stats summarises everything in the index.
func (x *Index) Stats(ctx context.Context) (StorageStats, error) {
	var row struct {
		Total     int64         `db:"total"`
		Bytes     int64         `db:"bytes"`
		Encrypted int64         `db:"encrypted"`
		Oldest    sql.NullInt64 `db:"oldest"`
		Newest    sql.NullInt64 `db:"newest"`
	}
	err := x.db.GetContext(ctx, &row, `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(size_bytes), 0) AS bytes,
		COALESCE(SUM(CASE WHEN encrypted THEN 1 ELSE 0 END), 0) AS encrypted,
		MIN(ended_at) AS oldest,
		MAX(ended_at) AS newest
		FROM artifacts`)
	if err != nil {
		return StorageStats{}, fmt.Errorf("storage stats: %w", err)
	}
	st := StorageStats{TotalArtifacts: row.Total, TotalBytes: row.Bytes, Encrypted: row.Encrypted}
	if row.Oldest.Valid {
		st.Oldest = time.UnixMilli(row.Oldest.Int64).UTC()
	}
	if row.Newest.Valid {
		st.Newest = time.UnixMilli(row.Newest.Int64).UTC()
	}
	return st, nil
}

func (x *Index) HealthCheck(ctx context.Context) error {
	return x.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

func sinceMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
