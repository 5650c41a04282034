package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FSStore persists payloads as one file per reference under a data
// directory. It backs the storage reference manager in single-cluster
// deployments where workers share a filesystem.
type FSStore struct {
	dir string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the data directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(id string) string {
	// Base strips path separators so a crafted reference cannot escape dir.
	return filepath.Join(s.dir, filepath.Base(id)+".blob")
}

func (s *FSStore) Put(ctx context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *FSStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrReferenceNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) error {
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
