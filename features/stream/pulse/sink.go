// Package pulse publishes run trace events to goa.design/pulse streams so UIs
// and tools can follow a run live. The Sink is a hooks subscriber: register it
// on the runtime bus and every event lands on stream "run/<RunID>".
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientspulse "goa.design/agentcore/features/stream/pulse/clients/pulse"
	"goa.design/agentcore/runtime/agent/hooks"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes events. Required.
		Client clientspulse.Client
		// StreamID derives the stream name from a run ID. Defaults to
		// "run/<RunID>".
		StreamID func(runID string) string
		// TracesBaseURL prefixes the stream name to build the traces URL
		// reported in run outputs. Empty disables traces URLs.
		TracesBaseURL string
		// OnPublished is called after each successful publish.
		OnPublished func(context.Context, Published)
	}

	// Published describes one entry written to Pulse.
	Published struct {
		StreamID string
		EntryID  string
		Type     hooks.EventType
	}

	// Envelope is the JSON entry written for each event.
	Envelope struct {
		Type      hooks.EventType `json:"type"`
		RunID     string          `json:"run_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	// Sink publishes hook events into Pulse streams. It is safe for
	// concurrent use.
	Sink struct {
		client      clientspulse.Client
		streamID    func(string) string
		baseURL     string
		onPublished func(context.Context, Published)
	}
)

// NewSink returns a sink publishing through opts.Client.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:      opts.Client,
		streamID:    StreamID,
		baseURL:     strings.TrimSuffix(opts.TracesBaseURL, "/"),
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	return s, nil
}

// StreamID is the default stream naming: "run/<RunID>".
func StreamID(runID string) string {
	return "run/" + runID
}

// HandleEvent implements hooks.Subscriber.
func (s *Sink) HandleEvent(ctx context.Context, evt hooks.Event) error {
	if evt.RunID() == "" {
		return errors.New("pulse sink: event missing run id")
	}
	payload, err := hooks.Payload(evt)
	if err != nil {
		return fmt.Errorf("pulse sink: encode %s: %w", evt.Type(), err)
	}
	env := Envelope{
		Type:      evt.Type(),
		RunID:     evt.RunID(),
		Timestamp: time.UnixMilli(evt.Timestamp()).UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse sink: encode envelope: %w", err)
	}
	name := s.streamID(env.RunID)
	str, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	id, err := str.Add(ctx, string(env.Type), data)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		s.onPublished(ctx, Published{StreamID: name, EntryID: id, Type: env.Type})
	}
	return nil
}

// TracesURL returns the URL where the run's trace stream can be followed, or
// "" when no base URL is configured.
func (s *Sink) TracesURL(runID string) string {
	if s.baseURL == "" || runID == "" {
		return ""
	}
	return s.baseURL + "/" + s.streamID(runID)
}

// Close releases the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
