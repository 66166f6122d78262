package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/agentcore/features/stream/pulse/clients/pulse"
)

// Streams shares one Pulse client between the publishing sink and any
// subscribers.
type Streams struct {
	sink   *Sink
	client clientspulse.Client
}

// NewStreams builds the sink from opts and keeps opts.Client for subscribers.
func NewStreams(opts Options) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sink, err := NewSink(opts)
	if err != nil {
		return nil, err
	}
	return &Streams{sink: sink, client: opts.Client}, nil
}

// Sink returns the publishing sink.
func (s *Streams) Sink() *Sink {
	return s.sink
}

// NewSubscriber returns a subscriber on the shared client.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// Close closes the sink and its client. Cancel subscribers first.
func (s *Streams) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
