// Package mongo hosts the MongoDB client used by the replay bundle store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/agentcore/runtime/agent/run"
)

const (
	defaultRunsCollection = "agent_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed operations for replay bundles.
type Client interface {
	health.Pinger

	SaveBundle(ctx context.Context, b *run.Bundle) error
	LoadBundle(ctx context.Context, runID string) (*run.Bundle, error)
	ListRuns(ctx context.Context, q run.Query) ([]run.Summary, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// runDocument keeps the summary fields queryable next to the encoded bundle.
type runDocument struct {
	RunID      string    `bson:"run_id"`
	Status     string    `bson:"status"`
	Model      string    `bson:"model,omitempty"`
	Iterations int       `bson:"iterations"`
	ToolCalls  int       `bson:"tool_calls"`
	StartedAt  time.Time `bson:"started_at"`
	EndedAt    time.Time `bson:"ended_at"`
	Bundle     []byte    `bson:"bundle"`
}

// New returns a Client backed by MongoDB.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultRunsCollection
	}
	c := newClientWithCollection(opts.Client, mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}, opts.Timeout)
	ictx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.coll.EnsureIndexes(ictx); err != nil {
		return nil, fmt.Errorf("ensure run indexes: %w", err)
	}
	return c, nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveBundle(ctx context.Context, b *run.Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	data, err := run.Encode(b)
	if err != nil {
		return err
	}
	sum := b.Summary()
	doc := runDocument{
		RunID:      sum.RunID,
		Status:     string(sum.Status),
		Model:      sum.Model,
		Iterations: sum.Iterations,
		ToolCalls:  sum.ToolCalls,
		StartedAt:  sum.StartedAt.UTC(),
		EndedAt:    sum.EndedAt.UTC(),
		Bundle:     data,
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.coll.Replace(ctx, bson.M{"run_id": b.RunID}, doc); err != nil {
		return fmt.Errorf("save bundle %s: %w", b.RunID, err)
	}
	return nil
}

func (c *client) LoadBundle(ctx context.Context, runID string) (*run.Bundle, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID}, &doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, run.ErrNotFound
		}
		return nil, fmt.Errorf("load bundle %s: %w", runID, err)
	}
	return run.Decode(doc.Bundle)
}

func (c *client) ListRuns(ctx context.Context, q run.Query) (sums []run.Summary, err error) {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = string(q.Status)
	}
	if !q.Since.IsZero() {
		filter["ended_at"] = bson.M{"$gte": q.Since.UTC()}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = run.DefaultListLimit
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, filter, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		sums = append(sums, run.Summary{
			RunID:      doc.RunID,
			Status:     run.Status(doc.Status),
			Model:      doc.Model,
			Iterations: doc.Iterations,
			ToolCalls:  doc.ToolCalls,
			StartedAt:  doc.StartedAt,
			EndedAt:    doc.EndedAt,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return sums, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

type (
	collection interface {
		FindOne(ctx context.Context, filter any, out any) error
		Replace(ctx context.Context, filter any, doc any) error
		Find(ctx context.Context, filter any, limit int64) (cursor, error)
		EnsureIndexes(ctx context.Context) error
	}

	cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

func (c mongoCollection) FindOne(ctx context.Context, filter any, out any) error {
	return c.coll.FindOne(ctx, filter).Decode(out)
}

func (c mongoCollection) Replace(ctx context.Context, filter any, doc any) error {
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any, limit int64) (cursor, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "ended_at", Value: -1}, {Key: "run_id", Value: 1}}).
		SetLimit(limit).
		SetProjection(bson.M{"bundle": 0})
	return c.coll.Find(ctx, filter, opts)
}

func (c mongoCollection) EnsureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "ended_at", Value: -1}}},
	})
	return err
}
