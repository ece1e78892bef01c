// Command migrate-json-to-postgres copies upload sessions from the JSON
// datastore into Postgres, preserving session ids so staged chunks and merged
// assets keep matching their records.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
	"vodforge/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("VODFORGE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, VODFORGE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	source, err := storage.NewJSONRepository(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err)
		os.Exit(1)
	}
	sessions := source.ListSessions()
	logger.Info("loaded JSON datastore", "path", *jsonPath, "sessions", len(sessions))

	// Opening the repository first ensures the upload_sessions schema exists.
	repo, err := storage.NewPostgresRepository(dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(context.Background())
		}
	}()

	ctx := context.Background()
	if err := importSessions(ctx, dsn, sessions); err != nil {
		logger.Error("failed to import sessions", "error", err)
		os.Exit(1)
	}

	if err := verifyCount(ctx, dsn, len(sessions)); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "sessions", len(sessions))
}

func importSessions(ctx context.Context, dsn string, sessions []models.UploadSession) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse migration config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer pool.Close()

	for _, session := range sessions {
		metadataJSON, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for session %d: %w", session.ID, err)
		}
		chunksJSON, err := json.Marshal(session.UploadedChunks)
		if err != nil {
			return fmt.Errorf("encode chunks for session %d: %w", session.ID, err)
		}
		if _, err := pool.Exec(ctx, `
			INSERT INTO upload_sessions
				(id, asset_key, file_name, size_bytes, path, status, metadata, uploaded_chunks, last_error, created_at, updated_at, completed_at)
			OVERRIDING SYSTEM VALUE
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING`,
			session.ID, session.Key, session.FileName, session.Size, session.Path, session.Status,
			metadataJSON, chunksJSON, session.Error, session.CreatedAt, session.UpdatedAt, session.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert session %d: %w", session.ID, err)
		}
	}

	// Advance the identity sequence past the migrated ids so new sessions do
	// not collide with imported ones.
	if _, err := pool.Exec(ctx, `
		SELECT setval(pg_get_serial_sequence('upload_sessions', 'id'),
			GREATEST((SELECT COALESCE(MAX(id), 1) FROM upload_sessions), 1))`); err != nil {
		return fmt.Errorf("advance session id sequence: %w", err)
	}
	return nil
}

func verifyCount(ctx context.Context, dsn string, expected int) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM upload_sessions`).Scan(&count); err != nil {
		return fmt.Errorf("count upload_sessions: %w", err)
	}
	if count < expected {
		return fmt.Errorf("expected at least %d sessions in postgres, found %d", expected, count)
	}
	return nil
}
