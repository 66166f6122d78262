package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "goa.design/agentcore/features/run/mongo/clients/mongo"
	"goa.design/agentcore/runtime/agent/run"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestStoreDelegatesToClient(t *testing.T) {
	c := &stubClient{bundle: &run.Bundle{RunID: "run", Status: run.StatusCompleted}}
	store, err := NewStore(Options{Client: c})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, c.bundle))
	require.Equal(t, "run", c.saved)

	b, err := store.Load(ctx, "run")
	require.NoError(t, err)
	require.Same(t, c.bundle, b)

	sums, err := store.List(ctx, run.Query{Status: run.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, run.StatusCompleted, c.query.Status)
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(context.Background(), clientsmongo.Options{})
	require.EqualError(t, err, "mongo client is required")
}

type stubClient struct {
	bundle *run.Bundle
	saved  string
	query  run.Query
}

func (s *stubClient) Name() string { return "stub" }
func (s *stubClient) Ping(context.Context) error { return nil }

func (s *stubClient) SaveBundle(_ context.Context, b *run.Bundle) error {
	s.saved = b.RunID
	return nil
}

func (s *stubClient) LoadBundle(context.Context, string) (*run.Bundle, error) {
	return s.bundle, nil
}

func (s *stubClient) ListRuns(_ context.Context, q run.Query) ([]run.Summary, error) {
	s.query = q
	return []run.Summary{s.bundle.Summary()}, nil
}
