package toolregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/agentcore/runtime/agent/tools"
)

type (
	// Config is the file representation of a registry.
	//
	//	tools:
	//	  - name: echo
	//	    version: 1.0.0
	//	    category: utility
	//	    side_effects: none
	//	    cache_policy: ttl
	//	    ttl_seconds: 60
	//	    input_schema:
	//	      type: object
	Config struct {
		Tools []ToolConfig `yaml:"tools"`
	}

	// ToolConfig is the file representation of one descriptor.
	ToolConfig struct {
		Name                string         `yaml:"name"`
		Version             string         `yaml:"version"`
		Description         string         `yaml:"description"`
		Category            string         `yaml:"category"`
		SideEffects         string         `yaml:"side_effects"`
		CachePolicy         string         `yaml:"cache_policy"`
		TTLSeconds          float64        `yaml:"ttl_seconds"`
		LifecycleState      string         `yaml:"lifecycle_state"`
		Cost                float64        `yaml:"cost"`
		TimeoutSeconds      float64        `yaml:"timeout_seconds"`
		RequiresCredentials bool           `yaml:"requires_credentials"`
		InputSchema         map[string]any `yaml:"input_schema"`
		OutputSchema        map[string]any `yaml:"output_schema"`
	}
)

// LoadFile reads descriptors from a YAML file.
func LoadFile(path string) ([]tools.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("toolregistry: open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load reads descriptors from YAML.
func Load(r io.Reader) ([]tools.Descriptor, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("toolregistry: decode config: %w", err)
	}
	descs := make([]tools.Descriptor, 0, len(cfg.Tools))
	for i, tc := range cfg.Tools {
		d, err := tc.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("toolregistry: tools[%d]: %w", i, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// Descriptor converts the file form into a descriptor.
func (tc ToolConfig) Descriptor() (tools.Descriptor, error) {
	category, err := tools.ParseCategory(tc.Category)
	if err != nil {
		return tools.Descriptor{}, err
	}
	sideEffects, err := tools.ParseSideEffects(tc.SideEffects)
	if err != nil {
		return tools.Descriptor{}, err
	}
	cachePolicy, err := tools.ParseCachePolicy(tc.CachePolicy)
	if err != nil {
		return tools.Descriptor{}, err
	}
	state, err := tools.ParseLifecycleState(tc.LifecycleState)
	if err != nil {
		return tools.Descriptor{}, err
	}
	in, err := marshalSchema(tc.InputSchema)
	if err != nil {
		return tools.Descriptor{}, fmt.Errorf("input_schema: %w", err)
	}
	out, err := marshalSchema(tc.OutputSchema)
	if err != nil {
		return tools.Descriptor{}, fmt.Errorf("output_schema: %w", err)
	}
	return tools.Descriptor{
		Name:                tc.Name,
		Version:             tc.Version,
		Description:         tc.Description,
		InputSchema:         in,
		OutputSchema:        out,
		Category:            category,
		SideEffects:         sideEffects,
		CachePolicy:         cachePolicy,
		TTL:                 seconds(tc.TTLSeconds),
		Lifecycle:           state,
		Cost:                tc.Cost,
		Timeout:             seconds(tc.TimeoutSeconds),
		RequiresCredentials: tc.RequiresCredentials,
	}, nil
}

func marshalSchema(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
