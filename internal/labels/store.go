// Package labels is a types.LabelStore on a local JSON file, used by the CLI
// and by the monitor when no database is configured.
package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loadiq/internal/types"
)

// fileVersion is written into the document for future migrations.
const fileVersion = 1

type document struct {
	Version int                 `json:"version"`
	Labels  []types.LabelRecord `json:"labels"`
}

// FileStore keeps all labels in one JSON document. Writes go to a temporary
// file that is renamed over the original, so readers never see a partial
// document.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a store at path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: func() time.Time { return time.Now().UTC() }}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// List returns every record ordered by start. A missing file is an empty
// store.
func (s *FileStore) List(ctx context.Context) ([]types.LabelRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Labels, nil
}

// Upsert replaces the record with the same start or appends a new one.
func (s *FileStore) Upsert(ctx context.Context, rec types.LabelRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Start.IsZero() {
		return types.NewAppError(types.ErrCodeStoreInvalidLabel, "label record has no start time", nil)
	}
	rec.Label = types.NormalizeLabel(string(rec.Label))
	rec.Start = rec.Start.UTC()
	rec.End = rec.End.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	now := s.now()
	rec.UpdatedAt = now
	replaced := false
	for i, existing := range doc.Labels {
		if existing.Start.Equal(rec.Start) {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
			doc.Labels[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.CreatedAt = now
		doc.Labels = append(doc.Labels, rec)
	}
	sort.SliceStable(doc.Labels, func(i, j int) bool { return doc.Labels[i].Start.Before(doc.Labels[j].Start) })

	return s.write(doc)
}

func (s *FileStore) read() (document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return document{Version: fileVersion}, nil
	}
	if err != nil {
		return document{}, types.NewAppError(types.ErrCodeStoreFailure, "failed to read label file", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, types.NewAppErrorWithDetails(types.ErrCodeStoreFailure,
			"label file is corrupt", err, map[string]any{"path": s.path})
	}
	for i := range doc.Labels {
		doc.Labels[i].Label = types.NormalizeLabel(string(doc.Labels[i].Label))
	}
	return doc, nil
}

func (s *FileStore) write(doc document) error {
	doc.Version = fileVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return types.NewAppError(types.ErrCodeStoreFailure, "failed to encode labels", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewAppError(types.ErrCodeStoreFailure, "failed to create label directory", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return types.NewAppError(types.ErrCodeStoreFailure, "failed to create temporary label file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.NewAppError(types.ErrCodeStoreFailure, "failed to write labels", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.NewAppError(types.ErrCodeStoreFailure, "failed to sync labels", err)
	}
	if err := tmp.Close(); err != nil {
		return types.NewAppError(types.ErrCodeStoreFailure, "failed to close label file", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return types.NewAppError(types.ErrCodeStoreFailure, fmt.Sprintf("failed to replace %s", s.path), err)
	}
	return nil
}
