// Package mongo implements the MongoDB client behind the run log store.
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

	"goa.design/agentcore/runtime/agent/hooks"
	"goa.design/agentcore/runtime/agent/runlog"
)

type (
	// Client exposes the run log operations and health checks.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *runlog.Event) error
		List(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error)
	}

	// Options configures New.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		pinger  func(context.Context) error
		coll    collection
		timeout time.Duration
	}

	eventDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		RunID     string        `bson:"run_id"`
		Type      string        `bson:"type"`
		Payload   []byte        `bson:"payload"`
		Timestamp time.Time     `bson:"timestamp"`
	}

	// collection is the slice of *mongo.Collection the client uses.
	collection interface {
		InsertOne(ctx context.Context, doc any) (any, error)
		Find(ctx context.Context, filter any, limit int64) (cursor, error)
		EnsureIndex(ctx context.Context, keys bson.D) error
	}

	cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	driverCollection struct {
		coll *mongodriver.Collection
	}
)

const (
	defaultCollection = "agent_run_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a client on the given database and ensures the run index.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("runlog mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("runlog mongo: database is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := driverCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	c := newClient(coll, opts.Timeout, func(ctx context.Context) error {
		return opts.Client.Ping(ctx, readpref.Primary())
	})
	ictx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := coll.EnsureIndex(ictx, bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}); err != nil {
		return nil, fmt.Errorf("runlog mongo: create index: %w", err)
	}
	return c, nil
}

func newClient(coll collection, timeout time.Duration, pinger func(context.Context) error) *client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{coll: coll, timeout: timeout, pinger: pinger}
}

// Name implements health.Pinger.
func (c *client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	if c.pinger == nil {
		return nil
	}
	return c.pinger(ctx)
}

func (c *client) Append(ctx context.Context, e *runlog.Event) error {
	switch {
	case e == nil:
		return errors.New("runlog mongo: event is required")
	case e.RunID == "":
		return errors.New("runlog mongo: run id is required")
	case e.Type == "":
		return errors.New("runlog mongo: event type is required")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	id, err := c.coll.InsertOne(ctx, eventDocument{
		RunID:     e.RunID,
		Type:      string(e.Type),
		Payload:   append([]byte(nil), e.Payload...),
		Timestamp: ts.UTC(),
	})
	if err != nil {
		return fmt.Errorf("runlog mongo: insert: %w", err)
	}
	oid, ok := id.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("runlog mongo: unexpected inserted id type %T", id)
	}
	e.ID = oid.Hex()
	return nil
}

// List reads limit+1 documents to learn whether another page exists.
func (c *client) List(ctx context.Context, runID, cur string, limit int) (page runlog.Page, err error) {
	if runID == "" {
		return runlog.Page{}, errors.New("runlog mongo: run id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, fmt.Errorf("runlog mongo: limit must be positive, got %d", limit)
	}
	filter := bson.M{"run_id": runID}
	if cur != "" {
		oid, err := bson.ObjectIDFromHex(cur)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("runlog mongo: invalid cursor %q: %w", cur, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	rows, err := c.coll.Find(ctx, filter, int64(limit+1))
	if err != nil {
		return runlog.Page{}, fmt.Errorf("runlog mongo: find: %w", err)
	}
	defer func() {
		if cerr := rows.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for rows.Next(ctx) {
		var doc eventDocument
		if err := rows.Decode(&doc); err != nil {
			return runlog.Page{}, fmt.Errorf("runlog mongo: decode: %w", err)
		}
		page.Events = append(page.Events, &runlog.Event{
			ID:        doc.ID.Hex(),
			RunID:     doc.RunID,
			Type:      hooks.EventType(doc.Type),
			Payload:   doc.Payload,
			Timestamp: doc.Timestamp,
		})
	}
	if err := rows.Err(); err != nil {
		return runlog.Page{}, fmt.Errorf("runlog mongo: cursor: %w", err)
	}
	if len(page.Events) > limit {
		page.Events = page.Events[:limit]
		page.NextCursor = page.Events[limit-1].ID
	}
	return page, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (d driverCollection) InsertOne(ctx context.Context, doc any) (any, error) {
	res, err := d.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (d driverCollection) Find(ctx context.Context, filter any, limit int64) (cursor, error) {
	return d.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(limit))
}

func (d driverCollection) EnsureIndex(ctx context.Context, keys bson.D) error {
	_, err := d.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: keys})
	return err
}
