package token

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
)

// ErrNotFound means the store holds no blob for the service.
var ErrNotFound = errors.New("no blob stored for service")

// Store is the secure key-value boundary for credential blobs, keyed by a
// fixed service identifier per scheme version.
type Store interface {
	Get(service string) ([]byte, error)
	Put(service string, blob []byte) error
	Delete(service string) error
}

// FileStore keeps blobs as 0600 files under the user state directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at the default state directory.
func NewFileStore() (*FileStore, error) {
	dir, err := xdg.StateFile("meridian/credentials/.keep")
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}
	return &FileStore{dir: filepath.Dir(dir)}, nil
}

// NewFileStoreAt creates a store rooted at dir. Used by tests.
func NewFileStoreAt(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(service string) string {
	return filepath.Join(s.dir, service)
}

func (s *FileStore) Get(service string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(service))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read credential blob: %w", err)
	}
	return blob, nil
}

func (s *FileStore) Put(service string, blob []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := s.path(service) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write credential blob: %w", err)
	}
	if err := os.Rename(tmp, s.path(service)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit credential blob: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(service string) error {
	err := os.Remove(s.path(service))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// Puts counts writes, so tests can assert the identical-adopt
	// no-op path.
	puts int
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) Get(service string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[service]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (s *MemStore) Put(service string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.blobs[service] = cp
	return nil
}

func (s *MemStore) Delete(service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, service)
	return nil
}

// PutCount reports how many Put calls the store has seen.
func (s *MemStore) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}
