package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    asset_key TEXT NOT NULL UNIQUE,
    file_name TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    path TEXT NOT NULL,
    status TEXT NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    uploaded_chunks JSONB NOT NULL DEFAULT '[]'::jsonb,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
)`

const sessionColumns = "id, asset_key, file_name, size_bytes, path, status, metadata, uploaded_chunks, last_error, created_at, updated_at, completed_at"

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed session registry and ensures
// the upload_sessions schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure upload_sessions schema: %w", err)
	}

	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

// Close releases the connection pool, bounded by the provided context.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) CreateSession(params CreateSessionParams) (models.UploadSession, error) {
	ctx := context.Background()
	now := r.cfg.now()
	key := assetKey(params.FileName, now)

	metadata := make(map[string]any, len(params.Metadata))
	for k, v := range params.Metadata {
		if strings.TrimSpace(k) == "" {
			continue
		}
		metadata[k] = v
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("encode session metadata: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO upload_sessions
			(asset_key, file_name, size_bytes, path, status, metadata, uploaded_chunks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7, $7)
		RETURNING `+sessionColumns,
		key,
		strings.TrimSpace(params.FileName),
		params.Size,
		filepath.Join(r.cfg.MergedRoot, key),
		models.SessionUploading,
		metadataJSON,
		now,
	)
	session, err := scanSession(row)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("insert upload session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) GetSession(id int64) (models.UploadSession, bool) {
	ctx := context.Background()
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		return models.UploadSession{}, false
	}
	return session, true
}

func (r *postgresRepository) UpdateSession(id int64, update SessionUpdate) (models.UploadSession, error) {
	ctx := context.Background()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("begin session update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 FOR UPDATE`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, ErrSessionNotFound
		}
		return models.UploadSession{}, fmt.Errorf("load upload session: %w", err)
	}

	if update.Status != nil {
		status := strings.TrimSpace(*update.Status)
		if session.Status == models.SessionCompleted && status == models.SessionUploading {
			return models.UploadSession{}, ErrSessionCompleted
		}
		session.Status = status
	}
	if update.Path != nil {
		session.Path = strings.TrimSpace(*update.Path)
	}
	if update.Error != nil {
		session.Error = strings.TrimSpace(*update.Error)
	}
	if update.UploadedChunks != nil {
		chunks := make([]int, len(update.UploadedChunks))
		copy(chunks, update.UploadedChunks)
		session.UploadedChunks = chunks
	}
	if update.CompletedAt != nil {
		if update.CompletedAt.IsZero() {
			session.CompletedAt = nil
		} else {
			completed := update.CompletedAt.UTC()
			session.CompletedAt = &completed
		}
	}
	session.UpdatedAt = r.cfg.now()

	chunksJSON, err := json.Marshal(session.UploadedChunks)
	if err != nil {
		return models.UploadSession{}, fmt.Errorf("encode uploaded chunks: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE upload_sessions
		SET path = $2, status = $3, uploaded_chunks = $4, last_error = $5, updated_at = $6, completed_at = $7
		WHERE id = $1`,
		id, session.Path, session.Status, chunksJSON, session.Error, session.UpdatedAt, session.CompletedAt,
	); err != nil {
		return models.UploadSession{}, fmt.Errorf("update upload session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.UploadSession{}, fmt.Errorf("commit session update: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) ListSessions() []models.UploadSession {
	ctx := context.Background()
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM upload_sessions ORDER BY id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sessions []models.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil
		}
		sessions = append(sessions, session)
	}
	if rows.Err() != nil {
		return nil
	}
	return sessions
}

func (r *postgresRepository) DeleteAllSessions() error {
	ctx := context.Background()
	if _, err := r.pool.Exec(ctx, `DELETE FROM upload_sessions`); err != nil {
		return fmt.Errorf("delete upload sessions: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.UploadSession, error) {
	var (
		session      models.UploadSession
		metadataJSON []byte
		chunksJSON   []byte
		completedAt  *time.Time
	)
	if err := row.Scan(
		&session.ID,
		&session.Key,
		&session.FileName,
		&session.Size,
		&session.Path,
		&session.Status,
		&metadataJSON,
		&chunksJSON,
		&session.Error,
		&session.CreatedAt,
		&session.UpdatedAt,
		&completedAt,
	); err != nil {
		return models.UploadSession{}, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	if len(chunksJSON) > 0 {
		if err := json.Unmarshal(chunksJSON, &session.UploadedChunks); err != nil {
			return models.UploadSession{}, fmt.Errorf("decode uploaded chunks: %w", err)
		}
	}
	if completedAt != nil {
		completed := completedAt.UTC()
		session.CompletedAt = &completed
	}
	return session, nil
}
