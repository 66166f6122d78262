package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"goa.design/pulse/rmap"

	"goa.design/agentcore/features/model/anthropic"
	"goa.design/agentcore/features/model/bedrock"
	"goa.design/agentcore/features/model/gemini"
	"goa.design/agentcore/features/model/middleware"
	"goa.design/agentcore/features/model/openai"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/model/catalog"
	"goa.design/agentcore/runtime/agent/telemetry"
)

type providerConfig struct {
	MaxTokens int
	TPM       float64
	// Shared coordinates token budgets across processes when set.
	Shared *rmap.Map
	Logger telemetry.Logger
}

func loadCatalog(path, modelID string, provider catalog.Provider) (*catalog.Catalog, error) {
	if path != "" {
		return catalog.LoadFile(path)
	}
	if !provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return catalog.New(catalog.Model{ID: modelID, Provider: provider, SupportsTemperature: true})
}

// registerProviders registers every provider variant whose credentials are
// present in the environment. Each variant is wrapped with logging and an
// adaptive token limiter.
func registerProviders(ctx context.Context, cat *catalog.Catalog, cfg providerConfig) ([]string, error) {
	var registered []string
	register := func(p catalog.Provider, c model.Client) {
		limiter := middleware.NewTokenLimiter(ctx, middleware.LimiterOptions{
			InitialTPM: cfg.TPM,
			Shared:     cfg.Shared,
			Key:        "tpm:" + string(p),
		})
		cat.Register(p, middleware.Chain(c, middleware.Logging(cfg.Logger), limiter.Middleware()))
		registered = append(registered, string(p))
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c, err := anthropic.NewFromAPIKey(key, anthropic.Options{MaxTokens: cfg.MaxTokens})
		if err != nil {
			return nil, err
		}
		register(catalog.ProviderAnthropic, c)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c, err := openai.NewFromAPIKey(key)
		if err != nil {
			return nil, err
		}
		register(catalog.ProviderOpenAI, c)
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c, err := gemini.NewFromAPIKey(ctx, key)
		if err != nil {
			return nil, err
		}
		register(catalog.ProviderGoogle, c)
	}
	if region := os.Getenv("AWS_REGION"); region != "" && os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		rt := bedrockruntime.New(bedrockruntime.Options{
			Region:      region,
			Credentials: aws.NewCredentialsCache(envCredentials{}),
		})
		c, err := bedrock.New(rt)
		if err != nil {
			return nil, err
		}
		register(catalog.ProviderBedrock, c)
	}
	if len(registered) == 0 {
		return nil, errors.New("no provider credentials found (set ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY or AWS_REGION with AWS_ACCESS_KEY_ID)")
	}
	return registered, nil
}

// envCredentials reads static AWS credentials from the environment.
type envCredentials struct{}

func (envCredentials) Retrieve(context.Context) (aws.Credentials, error) {
	return aws.Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}, nil
}
