// Package inmem provides an in-memory run.Store for tests and local tooling.
// Bundles are held in encoded form so callers never share state with the
// store.
package inmem

import (
	"context"
	"slices"
	"strings"
	"sync"

	"goa.design/agentcore/runtime/agent/run"
)

// Store implements run.Store in memory with no durability.
type Store struct {
	mu      sync.RWMutex
	bundles map[string][]byte
	index   map[string]run.Summary
}

// New returns an empty store.
func New() *Store {
	return &Store{bundles: make(map[string][]byte), index: make(map[string]run.Summary)}
}

// Save implements run.Store.
func (s *Store) Save(_ context.Context, b *run.Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	data, err := run.Encode(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[b.RunID] = data
	s.index[b.RunID] = b.Summary()
	return nil
}

// Load implements run.Store.
func (s *Store) Load(_ context.Context, runID string) (*run.Bundle, error) {
	s.mu.RLock()
	data, ok := s.bundles[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, run.ErrNotFound
	}
	return run.Decode(data)
}

// List implements run.Store.
func (s *Store) List(_ context.Context, q run.Query) ([]run.Summary, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = run.DefaultListLimit
	}
	s.mu.RLock()
	out := make([]run.Summary, 0, len(s.index))
	for _, sum := range s.index {
		if q.Matches(sum) {
			out = append(out, sum)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b run.Summary) int {
		if c := b.EndedAt.Compare(a.EndedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset clears all stored bundles.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = make(map[string][]byte)
	s.index = make(map[string]run.Summary)
}
