package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/agentcore/runtime/agent/executor"
	"goa.design/agentcore/runtime/agent/secrets"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/agent/toolregistry"
	"goa.design/agentcore/runtime/agent/tools"
)

const echoToolName = "echo"

func echoDescriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        echoToolName,
		Version:     "1.0.0",
		Description: "Returns its input unchanged.",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Category:    tools.CategoryUtility,
		SideEffects: tools.SideEffectsNone,
		CachePolicy: tools.CacheTTL,
		TTL:         5 * time.Minute,
		Lifecycle:   tools.LifecycleActive,
	}
}

func echo(_ context.Context, inv tools.Invocation) (any, error) {
	return inv.Call.Input, nil
}

// loadRegistry loads the registry file when given and adds the echo tool
// unless the file already declares it.
func loadRegistry(path string) (*toolregistry.Registry, error) {
	var descs []tools.Descriptor
	if path != "" {
		var err error
		if descs, err = toolregistry.LoadFile(path); err != nil {
			return nil, err
		}
	}
	reg, err := toolregistry.New(descs...)
	if err != nil {
		return nil, err
	}
	if _, err := reg.Resolve(echoToolName, ""); errors.Is(err, toolregistry.ErrNotFound) {
		if err := reg.Register(echoDescriptor()); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newExecutor(be *backends, resolver secrets.Resolver, logger telemetry.Logger) *executor.Executor {
	exec := executor.New(
		executor.WithCache(be.Cache),
		executor.WithBlobStore(be.Blobs),
		executor.WithSecrets(resolver),
		executor.WithBus(be.Bus),
		executor.WithLogger(logger),
		executor.WithMetrics(telemetry.NewOTELMetrics()),
		executor.WithTracer(telemetry.NewOTELTracer()),
	)
	exec.Handle(echoToolName, tools.HandlerFunc(echo))
	return exec
}
