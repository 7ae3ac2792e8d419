package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/snapshot"
)

// ArtifactDB is the part of *database.DB the postgres store uses.
type ArtifactDB interface {
	InsertArtifact(ctx context.Context, folderID, name, mimeType string, content []byte) (uuid.UUID, error)
	ListArtifacts(ctx context.Context, folderID, suffix string) ([]database.ArtifactRow, error)
	GetArtifact(ctx context.Context, id uuid.UUID) ([]byte, error)
}

// PostgresStore keeps artifacts in the snapshot_artifact table.
type PostgresStore struct {
	db ArtifactDB
}

func NewPostgresStore(db ArtifactDB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, localPath, name, folderID, mimeType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", opError("put", err)
	}

	id, err := s.db.InsertArtifact(ctx, folderID, name, mimeType, data)
	if err != nil {
		return "", opError("put", err)
	}
	return id.String(), nil
}

func (s *PostgresStore) List(ctx context.Context, folderID, suffix string) ([]snapshot.Artifact, error) {
	rows, err := s.db.ListArtifacts(ctx, folderID, suffix)
	if err != nil {
		return nil, opError("list", err)
	}

	out := make([]snapshot.Artifact, 0, len(rows))
	for _, r := range rows {
		out = append(out, snapshot.Artifact{ID: r.ID.String(), Name: r.Name, CreatedTime: r.CreatedAt})
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) ([]byte, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, opError("get", fmt.Errorf("%w: %s", ErrNotFound, id))
	}

	data, err := s.db.GetArtifact(ctx, uid)
	if errors.Is(err, database.ErrArtifactNotFound) {
		return nil, opError("get", fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err != nil {
		return nil, opError("get", err)
	}
	return data, nil
}
