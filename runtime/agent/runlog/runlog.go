// Package runlog is the append-only event log backing run introspection. A
// hooks subscriber appends every published event; callers page through a
// run's events with opaque cursors.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/agentcore/runtime/agent/hooks"
	"goa.design/agentcore/runtime/agent/telemetry"
)

type (
	// Event is one persisted hook event. Stores assign ID on append; IDs are
	// ordered within a run.
	Event struct {
		ID        string
		RunID     string
		Type      hooks.EventType
		Payload   json.RawMessage
		Timestamp time.Time
	}

	// Page is a forward page of events, oldest first. NextCursor is empty on
	// the last page.
	Page struct {
		Events     []*Event
		NextCursor string
	}

	// Store persists run events.
	Store interface {
		// Append stores e and sets e.ID.
		Append(ctx context.Context, e *Event) error
		// List returns up to limit events of runID after cursor. An empty
		// cursor starts at the first event.
		List(ctx context.Context, runID, cursor string, limit int) (Page, error)
	}

	recorder struct {
		store  Store
		logger telemetry.Logger
	}
)

// NewSubscriber returns a hooks subscriber appending every event to store.
// Append failures are logged and returned so the bus reports them.
func NewSubscriber(store Store, logger telemetry.Logger) hooks.Subscriber {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &recorder{store: store, logger: logger}
}

func (r *recorder) HandleEvent(ctx context.Context, evt hooks.Event) error {
	payload, err := hooks.Payload(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type(), err)
	}
	e := &Event{
		RunID:     evt.RunID(),
		Type:      evt.Type(),
		Payload:   payload,
		Timestamp: time.UnixMilli(evt.Timestamp()).UTC(),
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error(ctx, "run log append failed", "run_id", e.RunID, "type", string(e.Type), "err", err)
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

// All returns every event of runID, paging with pageSize.
func All(ctx context.Context, s Store, runID string, pageSize int) ([]*Event, error) {
	var (
		out    []*Event
		cursor string
	)
	for {
		page, err := s.List(ctx, runID, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
