package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentcore/features/stream/pulse/clients/pulse"
	"goa.design/agentcore/runtime/agent/hooks"
	"goa.design/agentcore/runtime/agent/tools"
)

func TestHandleEventPublishesEnvelope(t *testing.T) {
	str := &fakeStream{}
	cli := &fakeClient{stream: str}
	var published []Published
	sink, err := NewSink(Options{
		Client:      cli,
		OnPublished: func(_ context.Context, p Published) { published = append(published, p) },
	})
	require.NoError(t, err)

	evt := hooks.NewToolCallStartedEvent("run-123", "call-1", tools.Call{Name: "echo", Version: "1.0.0", Sequence: 0})
	require.NoError(t, sink.HandleEvent(context.Background(), evt))

	assert.Equal(t, []string{"run/run-123"}, cli.opened)
	require.Len(t, str.added, 1)
	assert.Equal(t, "tool_call_started", str.added[0].event)

	var env Envelope
	require.NoError(t, json.Unmarshal(str.added[0].payload, &env))
	assert.Equal(t, hooks.ToolCallStarted, env.Type)
	assert.Equal(t, "run-123", env.RunID)
	assert.Equal(t, evt.Timestamp(), env.Timestamp.UnixMilli())
	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Equal(t, "call-1", body["call_id"])
	assert.Equal(t, "echo", body["name"])

	assert.Equal(t, []Published{{StreamID: "run/run-123", EntryID: "1-0", Type: hooks.ToolCallStarted}}, published)
}

func TestHandleEventCustomStreamID(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: cli, StreamID: func(id string) string { return "traces:" + id }})
	require.NoError(t, err)
	require.NoError(t, sink.HandleEvent(context.Background(), hooks.NewRunCancelledEvent("r", context.Canceled)))
	assert.Equal(t, []string{"traces:r"}, cli.opened)
}

func TestHandleEventErrors(t *testing.T) {
	boom := errors.New("boom")
	ctx := context.Background()

	sink, err := NewSink(Options{Client: &fakeClient{streamErr: boom}})
	require.NoError(t, err)
	require.ErrorIs(t, sink.HandleEvent(ctx, hooks.NewRunCancelledEvent("r", context.Canceled)), boom)
	require.Error(t, sink.HandleEvent(ctx, hooks.NewRunCancelledEvent("", context.Canceled)))

	sink, err = NewSink(Options{Client: &fakeClient{stream: &fakeStream{addErr: boom}}})
	require.NoError(t, err)
	require.ErrorIs(t, sink.HandleEvent(ctx, hooks.NewRunCancelledEvent("r", context.Canceled)), boom)
}

func TestTracesURL(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{}, TracesBaseURL: "https://traces.example.com/streams/"})
	require.NoError(t, err)
	assert.Equal(t, "https://traces.example.com/streams/run/abc", sink.TracesURL("abc"))
	assert.Empty(t, sink.TracesURL(""))

	bare, err := NewSink(Options{Client: &fakeClient{}})
	require.NoError(t, err)
	assert.Empty(t, bare.TracesURL("abc"))
}

func TestSinkOnBus(t *testing.T) {
	str := &fakeStream{}
	sink, err := NewSink(Options{Client: &fakeClient{stream: str}})
	require.NoError(t, err)
	bus := hooks.NewBus()
	_, err = bus.Register(sink)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), hooks.NewStateChangedEvent("r", "init", "proposing", 0)))
	require.Len(t, str.added, 1)
	assert.Equal(t, "state_changed", str.added[0].event)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}

type (
	fakeClient struct {
		stream     *fakeStream
		streamErr  error
		opened     []string
		closeCount int
	}

	fakeStream struct {
		mu     sync.Mutex
		added  []addCall
		addErr error
		sink   *fakeSink
	}

	addCall struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		events chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		ackErr error
		closed bool
	}
)

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	c.opened = append(c.opened, name)
	return c.stream, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closeCount++
	return nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, addCall{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.sink == nil {
		return nil, errors.New("no sink")
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.events }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return s.ackErr
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
