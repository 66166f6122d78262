package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/agentcore/runtime/agent/hooks"
)

func TestSubscribeEmitsEnvelopes(t *testing.T) {
	ch := make(chan *streaming.Event, 1)
	sink := &fakeSink{events: ch}
	sub, err := NewSubscriber(SubscriberOptions{Client: &fakeClient{stream: &fakeStream{sink: sink}}, Buffer: 2})
	require.NoError(t, err)

	envs, errs, cancel, err := sub.Subscribe(context.Background(), "run/run-123")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(Envelope{
		Type:      hooks.AssistantFragment,
		RunID:     "run-123",
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage(`{"text":"hi"}`),
	})
	require.NoError(t, err)
	ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(ch)

	env, ok := <-envs
	require.True(t, ok)
	assert.Equal(t, hooks.AssistantFragment, env.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))

	_, ok = <-envs
	assert.False(t, ok)
	_, ok = <-errs
	assert.False(t, ok)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"1-0"}, sink.acked)
}

func TestSubscribeDecodeError(t *testing.T) {
	ch := make(chan *streaming.Event, 1)
	sub, err := NewSubscriber(SubscriberOptions{Client: &fakeClient{stream: &fakeStream{sink: &fakeSink{events: ch}}}})
	require.NoError(t, err)
	envs, errs, cancel, err := sub.Subscribe(context.Background(), "run/r")
	require.NoError(t, err)
	defer cancel()

	ch <- &streaming.Event{ID: "1-0", Payload: []byte("{")}
	require.ErrorContains(t, <-errs, "pulse decode payload")
	_, ok := <-envs
	assert.False(t, ok)
}

func TestSubscribeAckError(t *testing.T) {
	ch := make(chan *streaming.Event, 1)
	sink := &fakeSink{events: ch, ackErr: errors.New("nope")}
	sub, err := NewSubscriber(SubscriberOptions{Client: &fakeClient{stream: &fakeStream{sink: sink}}})
	require.NoError(t, err)
	envs, errs, cancel, err := sub.Subscribe(context.Background(), "run/r")
	require.NoError(t, err)
	defer cancel()

	ch <- &streaming.Event{ID: "1-0", Payload: []byte(`{"type":"run_started","run_id":"r"}`)}
	<-envs
	require.EqualError(t, <-errs, "pulse ack: nope")
}

func TestSubscribeStreamError(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: &fakeClient{streamErr: errors.New("down")}})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "run/r")
	require.EqualError(t, err, "down")
}

func TestStreamsShareClient(t *testing.T) {
	ch := make(chan *streaming.Event)
	sink := &fakeSink{events: ch}
	cli := &fakeClient{stream: &fakeStream{sink: sink}}
	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)
	require.NotNil(t, streams.Sink())

	sub, err := streams.NewSubscriber(SubscriberOptions{SinkName: "front"})
	require.NoError(t, err)
	envs, _, stop, err := sub.Subscribe(context.Background(), "run/test")
	require.NoError(t, err)
	stop()

	select {
	case _, ok := <-envs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for envelopes close")
	}
	sink.mu.Lock()
	assert.True(t, sink.closed)
	sink.mu.Unlock()

	require.NoError(t, streams.Close(context.Background()))
	assert.Equal(t, 1, cli.closeCount)
}
