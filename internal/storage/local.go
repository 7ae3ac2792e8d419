package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/catalog-monitor/internal/snapshot"
)

const indexFile = "index.json"

type localEntry struct {
	ID          string    `json:"id"`
	FolderID    string    `json:"folder_id"`
	Name        string    `json:"name"`
	MimeType    string    `json:"mime_type"`
	CreatedTime time.Time `json:"created_time"`
}

// LocalStore keeps artifacts in a directory tree: one subdirectory per
// folder and a JSON index at the root.
type LocalStore struct {
	mu    sync.RWMutex
	root  string
	index map[string]*localEntry
	now   func() time.Time
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, &StoreError{Op: "open", Err: errors.New("root directory is required")}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	ls := &LocalStore{
		root:  root,
		index: make(map[string]*localEntry),
		now:   time.Now,
	}

	if err := ls.load(); err != nil && !os.IsNotExist(err) {
		return nil, &StoreError{Op: "open", Err: fmt.Errorf("failed to load index: %w", err)}
	}

	return ls, nil
}

func (ls *LocalStore) Put(_ context.Context, localPath, name, folderID, mimeType string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", opError("put", err)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	entry := &localEntry{
		ID:          uuid.New().String(),
		FolderID:    folderID,
		Name:        name,
		MimeType:    mimeType,
		CreatedTime: ls.now().UTC(),
	}

	if err := writeAtomic(ls.blobPath(entry), data); err != nil {
		return "", opError("put", err)
	}

	ls.index[entry.ID] = entry
	if err := ls.save(); err != nil {
		delete(ls.index, entry.ID)
		return "", opError("put", err)
	}

	return entry.ID, nil
}

func (ls *LocalStore) List(_ context.Context, folderID, suffix string) ([]snapshot.Artifact, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var out []snapshot.Artifact
	for _, e := range ls.index {
		if e.FolderID != folderID || !strings.HasSuffix(e.Name, suffix) {
			continue
		}
		out = append(out, snapshot.Artifact{ID: e.ID, Name: e.Name, CreatedTime: e.CreatedTime})
	}

	slices.SortFunc(out, func(a, b snapshot.Artifact) int {
		if c := b.CreatedTime.Compare(a.CreatedTime); c != 0 {
			return c
		}
		return strings.Compare(b.Name, a.Name)
	})

	return out, nil
}

func (ls *LocalStore) Get(_ context.Context, id string) ([]byte, error) {
	ls.mu.RLock()
	entry, ok := ls.index[id]
	ls.mu.RUnlock()

	if !ok {
		return nil, opError("get", fmt.Errorf("%w: %s", ErrNotFound, id))
	}

	data, err := os.ReadFile(ls.blobPath(entry))
	if os.IsNotExist(err) {
		return nil, opError("get", fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err != nil {
		return nil, opError("get", err)
	}
	return data, nil
}

// blobPath keeps the id in the file name so repeated uploads of the same
// name never overwrite each other.
func (ls *LocalStore) blobPath(e *localEntry) string {
	folder := e.FolderID
	if folder == "" {
		folder = "default"
	}
	return filepath.Join(ls.root, filepath.Base(folder), e.ID+"-"+filepath.Base(e.Name))
}

func (ls *LocalStore) save() error {
	data, err := json.MarshalIndent(ls.index, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(ls.root, indexFile), data)
}

func (ls *LocalStore) load() error {
	data, err := os.ReadFile(filepath.Join(ls.root, indexFile))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &ls.index)
}

// writeAtomic writes to a temp file first and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tmpFile, path)
}
