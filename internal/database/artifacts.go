package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrArtifactNotFound is returned by GetArtifact for an unknown id.
var ErrArtifactNotFound = errors.New("artifact not found")

type ArtifactRow struct {
	ID        uuid.UUID `db:"id"`
	FolderID  string    `db:"folder_id"`
	Name      string    `db:"name"`
	MimeType  string    `db:"mime_type"`
	SizeBytes int64     `db:"size_bytes"`
	CreatedAt time.Time `db:"created_at"`
}

// InsertArtifact stores content and returns the new artifact id.
func (db *DB) InsertArtifact(ctx context.Context, folderID, name, mimeType string, content []byte) (uuid.UUID, error) {
	id := uuid.New()

	query := `
		INSERT INTO snapshot_artifact (id, folder_id, name, mime_type, content, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := db.pool.Exec(ctx, query, id, folderID, name, mimeType, content, len(content)); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert artifact %s: %w", name, err)
	}

	return id, nil
}

// ListArtifacts returns the artifacts of a folder whose name ends with
// suffix, newest first.
func (db *DB) ListArtifacts(ctx context.Context, folderID, suffix string) ([]ArtifactRow, error) {
	query := `
		SELECT id, folder_id, name, mime_type, size_bytes, created_at
		FROM snapshot_artifact
		WHERE folder_id = $1 AND right(name, length($2)) = $2
		ORDER BY created_at DESC`

	rows, err := db.pool.Query(ctx, query, folderID, suffix)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[ArtifactRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifacts: %w", err)
	}
	return out, nil
}

func (db *DB) GetArtifact(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var content []byte
	err := db.pool.QueryRow(ctx, `SELECT content FROM snapshot_artifact WHERE id = $1`, id).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", id, err)
	}
	return content, nil
}
