package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentcore/features/stream/pulse/clients/pulse"
)

const (
	defaultSinkName = "agentcore_subscriber"
	defaultBuffer   = 64
)

type (
	// SubscriberOptions configures a subscriber.
	SubscriberOptions struct {
		// Client consumes the streams. Required.
		Client clientspulse.Client
		// SinkName is the Pulse consumer group. Defaults to
		// "agentcore_subscriber".
		SinkName string
		// Buffer is the envelope channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber reads run trace streams back as envelopes.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{client: opts.Client, name: opts.SinkName, buffer: opts.Buffer}
	if s.name == "" {
		s.name = defaultSinkName
	}
	if s.buffer <= 0 {
		s.buffer = defaultBuffer
	}
	return s, nil
}

// Subscribe opens a consumer group on streamID. Envelopes are delivered in
// stream order and acked once handed over. The returned cancel function stops
// consumption and closes the sink; both channels close afterwards.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan Envelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan Envelope, s.buffer)
	errs := make(chan error, 1)
	cctx, cancel := context.WithCancel(ctx)
	go s.consume(cctx, sink, out, errs)
	return out, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- Envelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
