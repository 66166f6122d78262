// Package catalog is the provider registry. Each model in the catalog carries
// an explicit provider tag and the catalog dispatches requests to the variant
// registered for that tag. Model names are never parsed to guess a provider.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"goa.design/agentcore/runtime/agent/model"
)

var (
	// ErrUnknownModel is returned for models absent from the catalog.
	ErrUnknownModel = errors.New("catalog: unknown model")
	// ErrNoProvider is returned when no variant is registered for the
	// provider tag of a model.
	ErrNoProvider = errors.New("catalog: no provider registered")
)

// Provider tags a provider variant.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderBedrock   Provider = "bedrock"
	ProviderGoogle    Provider = "google"
)

// Valid reports whether p is a known provider tag.
func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderBedrock, ProviderGoogle:
		return true
	}
	return false
}

type (
	// Model describes one catalog entry.
	Model struct {
		// ID is the name callers use to select the model.
		ID string
		// Provider selects the variant serving the model.
		Provider Provider
		// ProviderModel is the identifier sent on the wire. Defaults to ID.
		ProviderModel string
		// SupportsTemperature is false for models rejecting sampling
		// temperature.
		SupportsTemperature bool
		// MaxTokens is the default reply cap.
		MaxTokens int
		// InputCostPer1K and OutputCostPer1K price token usage.
		InputCostPer1K  float64
		OutputCostPer1K float64
	}

	// Catalog maps model IDs to entries and provider tags to variants. It
	// implements model.Client by routing on Request.Model.
	Catalog struct {
		mu        sync.RWMutex
		models    map[string]Model
		providers map[Provider]model.Client
	}
)

// New returns a catalog holding models.
func New(models ...Model) (*Catalog, error) {
	c := &Catalog{models: make(map[string]Model), providers: make(map[Provider]model.Client)}
	for _, m := range models {
		if err := c.Add(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add adds or replaces a model entry.
func (c *Catalog) Add(m Model) error {
	if m.ID == "" {
		return errors.New("catalog: model id is required")
	}
	if !m.Provider.Valid() {
		return fmt.Errorf("catalog: model %q has invalid provider %q", m.ID, m.Provider)
	}
	if m.ProviderModel == "" {
		m.ProviderModel = m.ID
	}
	c.mu.Lock()
	c.models[m.ID] = m
	c.mu.Unlock()
	return nil
}

// Register binds the variant serving provider p.
func (c *Catalog) Register(p Provider, client model.Client) {
	c.mu.Lock()
	c.providers[p] = client
	c.mu.Unlock()
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id string) (Model, error) {
	c.mu.RLock()
	m, ok := c.models[id]
	c.mu.RUnlock()
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return m, nil
}

// Models returns the catalog entries ordered by ID.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) route(req *model.Request) (model.Client, *model.Request, error) {
	m, err := c.Lookup(req.Model)
	if err != nil {
		return nil, nil, err
	}
	c.mu.RLock()
	client, ok := c.providers[m.Provider]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w for %s (model %q)", ErrNoProvider, m.Provider, m.ID)
	}
	return client, Sanitize(m, req), nil
}

// Complete implements model.Client.
func (c *Catalog) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	client, sreq, err := c.route(req)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, sreq)
}

// Stream implements model.Client.
func (c *Catalog) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	client, sreq, err := c.route(req)
	if err != nil {
		return nil, err
	}
	return client.Stream(ctx, sreq)
}

// Sanitize returns a copy of req holding only parameters m accepts: the wire
// model identifier replaces the catalog ID, temperature is dropped for models
// without temperature support, anthropic models never receive both
// temperature and top_p, and a zero MaxTokens takes the catalog default.
func Sanitize(m Model, req *model.Request) *model.Request {
	out := *req
	out.Model = m.ProviderModel
	if !m.SupportsTemperature {
		out.Temperature = nil
	}
	if m.Provider == ProviderAnthropic && out.Temperature != nil && out.TopP != nil {
		out.TopP = nil
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = m.MaxTokens
	}
	return &out
}

// Cost prices usage with the model token rates.
func (m Model) Cost(u model.TokenUsage) float64 {
	return float64(u.InputTokens)/1000*m.InputCostPer1K + float64(u.OutputTokens)/1000*m.OutputCostPer1K
}
