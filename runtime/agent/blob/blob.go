// Package blob stores oversized tool outputs out of band and hands back a
// URL the envelope can reference.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when no blob exists at the URL.
var ErrNotFound = errors.New("blob: not found")

// MemoryScheme prefixes URLs produced by MemoryStore.
const MemoryScheme = "mem://blobs/"

type (
	// Store persists blobs.
	Store interface {
		// Put stores data and returns a URL that resolves to it.
		Put(ctx context.Context, data []byte, contentType string) (string, error)
	}

	// Reader reads blobs back by URL.
	Reader interface {
		Get(ctx context.Context, url string) ([]byte, string, error)
	}

	// MemoryStore is a content-addressed in-process Store.
	MemoryStore struct {
		mu    sync.RWMutex
		blobs map[string]object
	}

	object struct {
		data        []byte
		contentType string
	}
)

// Digest returns the hex SHA-256 digest used to address data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]object)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	d := Digest(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blobs[d] = object{data: cp, contentType: contentType}
	s.mu.Unlock()
	return MemoryScheme + d, nil
}

// Get implements Reader.
func (s *MemoryStore) Get(_ context.Context, url string) ([]byte, string, error) {
	d, ok := strings.CutPrefix(url, MemoryScheme)
	if !ok {
		return nil, "", ErrNotFound
	}
	s.mu.RLock()
	o, ok := s.blobs[d]
	s.mu.RUnlock()
	if !ok {
		return nil, "", ErrNotFound
	}
	cp := make([]byte, len(o.data))
	copy(cp, o.data)
	return cp, o.contentType, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
