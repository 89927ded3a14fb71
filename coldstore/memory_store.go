package coldstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for testing.
type MemoryStore struct {
	URL      *url.URL
	Content  map[string][]byte
	ModTimes map[string]time.Time
	// PutErr, if set, is returned by Put.
	PutErr error
	mu     sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore of |ep|.
func NewMemoryStore(ep *url.URL) *MemoryStore {
	return &MemoryStore{
		URL:      ep,
		Content:  make(map[string][]byte),
		ModTimes: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Provider() string { return "memory" }

func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var _, exists = m.Content[path]
	return exists, nil
}

func (m *MemoryStore) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var content, exists = m.Content[path]
	if !exists {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryStore) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	var buf = make([]byte, contentLength)
	if _, err := content.ReadAt(buf, 0); err != nil && err != io.EOF {
		return fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Content[path] = buf
	m.ModTimes[path] = time.Now()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for fullPath := range m.Content {
		if !strings.HasPrefix(fullPath, prefix) {
			continue
		}
		if err := callback(strings.TrimPrefix(fullPath, prefix), m.ModTimes[fullPath]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Content, path)
	delete(m.ModTimes, path)
	return nil
}

func (m *MemoryStore) IsAuthError(error) bool { return false }
