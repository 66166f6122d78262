// Package inmem is an in-memory runlog.Store for tests and the CLI.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/agentcore/runtime/agent/runlog"
)

// Store keeps events per run in append order. Event IDs are 1-based
// positions within the run and double as cursors.
type Store struct {
	mu     sync.Mutex
	events map[string][]runlog.Event
}

// New returns an empty store.
func New() *Store {
	return &Store{events: make(map[string][]runlog.Event)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Event) error {
	if e == nil {
		return errors.New("runlog: event is required")
	}
	if e.RunID == "" {
		return errors.New("runlog: run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = strconv.Itoa(len(s.events[e.RunID]) + 1)
	s.events[e.RunID] = append(s.events[e.RunID], *e)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, errors.New("runlog: run id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, fmt.Errorf("runlog: limit must be positive, got %d", limit)
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("runlog: invalid cursor %q", cursor)
		}
		start = n
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[runID]
	if start >= len(all) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(all))
	page := runlog.Page{Events: make([]*runlog.Event, 0, end-start)}
	for i := start; i < end; i++ {
		e := all[i]
		page.Events = append(page.Events, &e)
	}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
