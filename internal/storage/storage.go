// Package storage defines the artifact store contract (a stand-in for an
// out-of-process object-storage backend) plus a local-disk implementation.
// The HTTP surface's `POST /screenshot` returns the artifact's URL (the
// `url` field) rather than raw bytes; this package is what produces that URL. Writes use
// pkg/fsutil's atomic write, same discipline as internal/rescache and
// internal/batch.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"shotengine/pkg/fsutil"
)

// Store persists capture artifacts and hands back a retrievable URL.
type Store interface {
	Put(ctx context.Context, ext string, body []byte) (id string, url string, err error)
	Open(ctx context.Context, id string) ([]byte, error)
}

// LocalDisk is the default Store: files under Dir, addressed as
// BaseURL+"/artifacts/{id}.{ext}". internal/server registers no route for
// that path; serving the files is left to whatever fronts BaseURL.
type LocalDisk struct {
	Dir     string
	BaseURL string
}

func NewLocalDisk(dir, baseURL string) *LocalDisk {
	return &LocalDisk{Dir: dir, BaseURL: baseURL}
}

func (s *LocalDisk) Put(ctx context.Context, ext string, body []byte) (string, string, error) {
	id := uuid.NewString()
	name := id + "." + ext
	path := filepath.Join(s.Dir, name)
	if err := fsutil.WriteFileAtomic(path, body, 0o644); err != nil {
		return "", "", fmt.Errorf("storage: put artifact: %w", err)
	}
	return id, s.BaseURL + "/artifacts/" + name, nil
}

func (s *LocalDisk) Open(ctx context.Context, id string) ([]byte, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); e.Name()[:len(e.Name())-len(ext)] == id {
			return os.ReadFile(filepath.Join(s.Dir, e.Name()))
		}
	}
	return nil, fmt.Errorf("storage: artifact %s not found", id)
}
