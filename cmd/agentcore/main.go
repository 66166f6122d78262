package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/model/catalog"
	"goa.design/agentcore/runtime/agent/policy"
	"goa.design/agentcore/runtime/agent/run"
	"goa.design/agentcore/runtime/agent/runlog"
	"goa.design/agentcore/runtime/agent/runtime"
	"goa.design/agentcore/runtime/agent/secrets"
	"goa.design/agentcore/runtime/agent/telemetry"
)

func main() {
	var (
		registryF = flag.String("registry", "", "Tool registry YAML file (the echo tool is always registered)")
		catalogF  = flag.String("catalog", "", "Model catalog YAML file")
		policyF   = flag.String("policy", "", "Run policy YAML file (defaults enable the echo tool)")
		modelF    = flag.String("model", "", "Catalog model ID used for the run")
		providerF = flag.String("provider", "anthropic", "Provider serving -model when no catalog file is given")
		promptF   = flag.String("prompt", "", "User prompt")
		systemF   = flag.String("system", "", "System prompt")
		schemaF   = flag.String("schema", "", "JSON schema file the final answer must match")
		runIDF    = flag.String("run-id", "", "Run identifier (generated when empty)")
		maxTokF   = flag.Int("max-tokens", 0, "Reply token cap (0 uses the catalog default)")
		userF     = flag.String("user", "", "Tenant user ID for credential resolution")
		wsF       = flag.String("workspace", "", "Tenant workspace ID for credential resolution")
		orgF      = flag.String("org", "", "Tenant org ID for credential resolution")
		redisF    = flag.String("redis", "", "Redis address for the shared tool cache, blob store, rate budget and trace streams")
		mongoF    = flag.String("mongo", "", "MongoDB URI for the run event log and replay bundles")
		mongoDBF  = flag.String("mongo-db", "agentcore", "MongoDB database name")
		tracesF   = flag.String("traces-url", "", "Base URL of the trace viewer, reported as traces_url")
		tpmF      = flag.Float64("tpm", 0, "Initial tokens-per-minute budget per provider (0 uses the default)")
		timeoutF  = flag.Duration("propose-timeout", runtime.DefaultProposeTimeout, "Deadline of each model proposal")
		streamF   = flag.Bool("stream", false, "Print assistant fragments read back from the trace stream (requires -redis)")
		eventsF   = flag.Bool("events", false, "Print the run event log after the run")
		listF     = flag.Bool("list", false, "List recent runs and exit")
		dbgF      = flag.Bool("debug", false, "Log debug messages")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()

	be, err := openBackends(ctx, backendConfig{
		RedisAddr:     *redisF,
		MongoURI:      *mongoF,
		MongoDatabase: *mongoDBF,
		TracesBaseURL: *tracesF,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to open backends")
	}
	defer be.Close(context.WithoutCancel(ctx))
	be.CheckHealth(ctx)

	if *listF {
		if err := listRuns(ctx, be.Runs); err != nil {
			log.Fatalf(ctx, err, "failed to list runs")
		}
		return
	}

	if *modelF == "" || *promptF == "" {
		fmt.Fprintln(os.Stderr, "-model and -prompt are required")
		flag.Usage()
		os.Exit(2)
	}

	reg, err := loadRegistry(*registryF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load tool registry")
	}
	cat, err := loadCatalog(*catalogF, *modelF, catalog.Provider(*providerF))
	if err != nil {
		log.Fatalf(ctx, err, "failed to load model catalog")
	}
	registered, err := registerProviders(ctx, cat, providerConfig{
		MaxTokens: *maxTokF,
		TPM:       *tpmF,
		Shared:    be.Budget,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to configure model providers")
	}
	log.Print(ctx, log.KV{K: "providers", V: registered}, log.KV{K: "models", V: len(cat.Models())})

	p, err := loadPolicy(*policyF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load run policy")
	}
	answerFormat, err := loadResponseFormat(*schemaF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load response schema")
	}

	exec := newExecutor(be, secrets.NewResolver(secrets.NewEnvStore("")), logger)
	rt, err := runtime.New(
		runtime.WithRegistry(reg),
		runtime.WithModel(cat),
		runtime.WithPricing(cat),
		runtime.WithExecutor(exec),
		runtime.WithHooks(be.Bus),
		runtime.WithRunStore(be.Runs),
		runtime.WithTraces(be.Traces()),
		runtime.WithProposeTimeout(*timeoutF),
		runtime.WithLogger(logger),
		runtime.WithMetrics(telemetry.NewOTELMetrics()),
		runtime.WithTracer(telemetry.NewOTELTracer()),
	)
	if err != nil {
		log.Fatalf(ctx, err, "failed to create runtime")
	}

	runID := *runIDF
	if runID == "" {
		runID = uuid.NewString()
	}
	if *streamF {
		if err := be.Follow(ctx, runID, os.Stderr); err != nil {
			log.Errorf(ctx, err, "cannot follow trace stream")
		}
	}

	res, err := rt.Run(ctx, runtime.RunInput{
		RunID:          runID,
		Model:          *modelF,
		System:         *systemF,
		Prompt:         *promptF,
		Policy:         p,
		Tenant:         secrets.Tenant{UserID: *userF, WorkspaceID: *wsF, OrgID: *orgF},
		MaxTokens:      *maxTokF,
		ResponseFormat: answerFormat,
	})
	if res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Outputs); err != nil {
			log.Errorf(ctx, err, "failed to encode outputs")
		}
	}
	if *eventsF {
		printEvents(context.WithoutCancel(ctx), be.Events, runID)
	}
	if err != nil {
		log.Errorf(ctx, err, "run failed")
		if res == nil {
			os.Exit(1)
		}
	}
}

// loadResponseFormat reads a JSON schema file. The file base name names the
// schema.
func loadResponseFormat(path string) (*model.ResponseFormat, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := &model.ResponseFormat{
		Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Schema: json.RawMessage(data),
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func loadPolicy(path string) (policy.RunPolicy, error) {
	if path == "" {
		p := policy.Default()
		p.EnabledTools = []string{echoToolName}
		return p, nil
	}
	return policy.LoadFile(path)
}

func listRuns(ctx context.Context, store run.Store) error {
	runs, err := store.List(ctx, run.Query{Limit: run.DefaultListLimit})
	if err != nil {
		return err
	}
	for _, s := range runs {
		fmt.Printf("%s\t%s\t%s\titerations=%d\ttool_calls=%d\t%s\n",
			s.RunID, s.Status, s.Model, s.Iterations, s.ToolCalls, s.EndedAt.Format(time.RFC3339))
	}
	return nil
}

func printEvents(ctx context.Context, store runlog.Store, runID string) {
	events, err := runlog.All(ctx, store, runID, 100)
	if err != nil {
		log.Errorf(ctx, err, "failed to read run events")
		return
	}
	for _, e := range events {
		fmt.Fprintf(os.Stderr, "%s %-20s %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Type, e.Payload)
	}
}
