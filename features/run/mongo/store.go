package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentcore/features/run/mongo/clients/mongo"
	"goa.design/agentcore/runtime/agent/run"
)

// Options configures NewStore.
type Options struct {
	Client clientsmongo.Client
}

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo builds the client and the store in one step.
func NewStoreFromMongo(ctx context.Context, opts clientsmongo.Options) (*Store, error) {
	c, err := clientsmongo.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: c})
}

// Save stores the bundle, replacing any previous bundle of the run.
func (s *Store) Save(ctx context.Context, b *run.Bundle) error {
	return s.client.SaveBundle(ctx, b)
}

// Load retrieves a bundle.
func (s *Store) Load(ctx context.Context, runID string) (*run.Bundle, error) {
	return s.client.LoadBundle(ctx, runID)
}

// List returns run summaries, most recent first.
func (s *Store) List(ctx context.Context, q run.Query) ([]run.Summary, error) {
	return s.client.ListRuns(ctx, q)
}
