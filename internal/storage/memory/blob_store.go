// Package memory stores document content in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/stagecrawler/internal/storage"
)

const scheme = "memory://"

// BlobStore keeps content in a map and hands out memory:// handles.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// Put stores a copy of data under key.
func (s *BlobStore) Put(_ context.Context, key string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return scheme + key, nil
}

// Get returns a copy of the content behind handle.
func (s *BlobStore) Get(_ context.Context, handle string) ([]byte, error) {
	key, ok := strings.CutPrefix(handle, scheme)
	if !ok {
		return nil, fmt.Errorf("%w: %q", storage.ErrBadHandle, handle)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, handle)
	}
	return append([]byte(nil), data...), nil
}

// Len reports the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
