package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/catalog-monitor/internal/snapshot"
)

var (
	// ErrAuth means credentials for the store could not be resolved.
	ErrAuth = errors.New("store authentication failed")
	// ErrNotFound means the requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
)

// BlobStore persists named artifacts inside folders.
type BlobStore interface {
	// Put uploads the file at localPath under name and returns its id.
	Put(ctx context.Context, localPath, name, folderID, mimeType string) (string, error)
	// List returns the artifacts in folderID whose name ends with suffix,
	// newest first.
	List(ctx context.Context, folderID, suffix string) ([]snapshot.Artifact, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// StoreError is a failed store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
