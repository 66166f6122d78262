package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"

	redisblob "goa.design/agentcore/features/blob/redis"
	runmongo "goa.design/agentcore/features/run/mongo"
	clientsrun "goa.design/agentcore/features/run/mongo/clients/mongo"
	runlogmongo "goa.design/agentcore/features/runlog/mongo"
	clientsrunlog "goa.design/agentcore/features/runlog/mongo/clients/mongo"
	"goa.design/agentcore/features/stream/pulse"
	clientspulse "goa.design/agentcore/features/stream/pulse/clients/pulse"
	rediscache "goa.design/agentcore/features/toolcache/redis"
	"goa.design/agentcore/runtime/agent/blob"
	"goa.design/agentcore/runtime/agent/hooks"
	"goa.design/agentcore/runtime/agent/run"
	runinmem "goa.design/agentcore/runtime/agent/run/inmem"
	"goa.design/agentcore/runtime/agent/runlog"
	runloginmem "goa.design/agentcore/runtime/agent/runlog/inmem"
	"goa.design/agentcore/runtime/agent/runtime"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/agent/toolcache"
)

// budgetMapName is the replicated map holding the shared model token budgets.
const budgetMapName = "agentcore-model-budget"

type (
	backendConfig struct {
		RedisAddr     string
		MongoURI      string
		MongoDatabase string
		TracesBaseURL string
		Logger        telemetry.Logger
	}

	// backends holds the storage and transport the run is wired to. Without
	// Redis or Mongo every store is in-process.
	backends struct {
		Bus    hooks.Bus
		Runs   run.Store
		Events runlog.Store
		Cache  toolcache.Cache
		Blobs  blob.Store
		Budget *rmap.Map

		streams *pulse.Streams
		redis   *redis.Client
		mongo   *mongodriver.Client
		pingers []health.Pinger
		cancels []context.CancelFunc
		logger  telemetry.Logger
	}

	redisPinger struct {
		client *redis.Client
	}
)

func openBackends(ctx context.Context, cfg backendConfig) (*backends, error) {
	b := &backends{Bus: hooks.NewBus(), logger: cfg.Logger}
	if err := b.openMongo(ctx, cfg); err != nil {
		b.Close(ctx)
		return nil, err
	}
	if _, err := b.Bus.Register(runlog.NewSubscriber(b.Events, cfg.Logger)); err != nil {
		b.Close(ctx)
		return nil, err
	}
	if err := b.openRedis(ctx, cfg); err != nil {
		b.Close(ctx)
		return nil, err
	}
	return b, nil
}

func (b *backends) openMongo(ctx context.Context, cfg backendConfig) error {
	if cfg.MongoURI == "" {
		b.Events = runloginmem.New()
		b.Runs = runinmem.New()
		return nil
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	b.mongo = mc

	logClient, err := clientsrunlog.New(ctx, clientsrunlog.Options{Client: mc, Database: cfg.MongoDatabase})
	if err != nil {
		return err
	}
	if b.Events, err = runlogmongo.NewStore(logClient); err != nil {
		return err
	}
	runClient, err := clientsrun.New(ctx, clientsrun.Options{Client: mc, Database: cfg.MongoDatabase})
	if err != nil {
		return err
	}
	if b.Runs, err = runmongo.NewStore(runmongo.Options{Client: runClient}); err != nil {
		return err
	}
	b.pingers = append(b.pingers, logClient, runClient)
	return nil
}

func (b *backends) openRedis(ctx context.Context, cfg backendConfig) error {
	if cfg.RedisAddr == "" {
		cache, err := toolcache.NewMemoryCache()
		if err != nil {
			return err
		}
		b.Cache = cache
		b.Blobs = blob.NewMemoryStore()
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	b.redis = rdb
	b.pingers = append(b.pingers, redisPinger{client: rdb})

	var err error
	if b.Cache, err = rediscache.New(rediscache.Options{Client: rdb}); err != nil {
		return err
	}
	if b.Blobs, err = redisblob.New(redisblob.Options{Client: rdb}); err != nil {
		return err
	}
	if b.Budget, err = rmap.Join(ctx, budgetMapName, rdb); err != nil {
		return fmt.Errorf("join %s: %w", budgetMapName, err)
	}

	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	if b.streams, err = pulse.NewStreams(pulse.Options{Client: pc, TracesBaseURL: cfg.TracesBaseURL}); err != nil {
		return err
	}
	_, err = b.Bus.Register(b.streams.Sink())
	return err
}

// Traces returns the linker reporting traces URLs, nil without Redis.
func (b *backends) Traces() runtime.TracesLinker {
	if b.streams == nil {
		return nil
	}
	return b.streams.Sink()
}

// Follow prints the assistant fragments of runID as they are read back from
// its trace stream.
func (b *backends) Follow(ctx context.Context, runID string, w io.Writer) error {
	if b.streams == nil {
		return errors.New("trace streaming requires -redis")
	}
	sub, err := b.streams.NewSubscriber(pulse.SubscriberOptions{SinkName: "agentcore_cli"})
	if err != nil {
		return err
	}
	envs, errs, cancel, err := sub.Subscribe(ctx, pulse.StreamID(runID))
	if err != nil {
		return err
	}
	b.cancels = append(b.cancels, cancel)
	go func() {
		for {
			select {
			case env, ok := <-envs:
				if !ok {
					return
				}
				if env.Type != hooks.AssistantFragment {
					continue
				}
				var frag struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(env.Payload, &frag); err == nil {
					fmt.Fprint(w, frag.Text)
				}
			case err, ok := <-errs:
				if !ok {
					return
				}
				b.logger.Warn(ctx, "trace stream error", "run_id", runID, "err", err)
			}
		}
	}()
	return nil
}

// CheckHealth pings the remote backends and logs the unhealthy ones.
func (b *backends) CheckHealth(ctx context.Context) {
	if len(b.pingers) == 0 {
		return
	}
	h, ok := health.NewChecker(b.pingers...).Check(ctx)
	if !ok {
		b.logger.Warn(ctx, "backends unhealthy", "status", h.Status)
		return
	}
	b.logger.Debug(ctx, "backends healthy", "status", h.Status)
}

func (b *backends) Close(ctx context.Context) {
	for _, cancel := range b.cancels {
		cancel()
	}
	if b.streams != nil {
		if err := b.streams.Close(ctx); err != nil {
			b.logger.Warn(ctx, "close trace streams", "err", err)
		}
	}
	if b.Budget != nil {
		b.Budget.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.mongo != nil {
		if err := b.mongo.Disconnect(ctx); err != nil {
			b.logger.Warn(ctx, "disconnect mongo", "err", err)
		}
	}
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
