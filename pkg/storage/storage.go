// Package storage persists generated target artifacts. The production
// object store (CDN bucket) lives outside this module; FileStore is the
// local implementation used by the CLI, the server and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/ar-target/internal/logging"
	"github.com/menta2k/ar-target/internal/utils"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("storage: object not found")

// Object describes a stored artifact.
type Object struct {
	Key         string
	URL         string
	Size        int64
	ContentType string
}

// Store is the interface every artifact store must satisfy.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// NewKey builds a unique object key such as "<campaign>/descriptor-<uuid>.bin".
// Artifacts are never overwritten in place, so every generation gets a fresh key.
func NewKey(campaign, kind, ext string) string {
	return path.Join(utils.SanitizeKey(campaign), fmt.Sprintf("%s-%s.%s", utils.SanitizeKey(kind), uuid.NewString(), ext))
}

// FileStore stores objects below a root directory.
type FileStore struct {
	root    string
	baseURL string
	mu      sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at root. URLs are baseURL + "/" + key.
func NewFileStore(root, baseURL string) (*FileStore, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FileStore{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Root returns the directory objects are written under.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// Put writes data atomically (temp file + rename).
func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	p, err := s.path(key)
	if err != nil {
		return Object{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := utils.EnsureDir(filepath.Dir(p)); err != nil {
		return Object{}, fmt.Errorf("storage: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("storage: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("storage: close: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return Object{}, fmt.Errorf("storage: rename: %w", err)
	}

	return Object{Key: key, URL: s.URL(key), Size: int64(len(data)), ContentType: contentType}, nil
}

// Get reads an object.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes an object. Deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// URL returns the public URL of key.
func (s *FileStore) URL(key string) string {
	return s.baseURL + "/" + key
}

// DeleteAsync removes a replaced object in the background. Failures are
// logged and never reported to the caller. The returned channel is closed
// when the deletion finished.
func DeleteAsync(store Store, key string, timeout time.Duration, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if key == "" {
		close(done)
		return done
	}
	log := logging.OrDefault(logger)
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.Delete(ctx, key); err != nil {
			log.Warn("failed to delete replaced artifact", "key", key, "error", err)
			return
		}
		log.Debug("deleted replaced artifact", "key", key)
	}()
	return done
}
