package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the YAML catalog document.
	Config struct {
		Models []ModelConfig `yaml:"models"`
	}

	// ModelConfig is one YAML model entry. SupportsTemperature defaults to
	// true when omitted.
	ModelConfig struct {
		ID                  string  `yaml:"id"`
		Provider            string  `yaml:"provider"`
		ProviderModel       string  `yaml:"provider_model"`
		SupportsTemperature *bool   `yaml:"supports_temperature"`
		MaxTokens           int     `yaml:"max_tokens"`
		InputCostPer1K      float64 `yaml:"input_cost_per_1k"`
		OutputCostPer1K     float64 `yaml:"output_cost_per_1k"`
	}
)

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a catalog from YAML.
func Load(r io.Reader) (*Catalog, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	models := make([]Model, 0, len(cfg.Models))
	for _, mc := range cfg.Models {
		models = append(models, mc.Model())
	}
	return New(models...)
}

// Model converts the YAML entry.
func (mc ModelConfig) Model() Model {
	temp := true
	if mc.SupportsTemperature != nil {
		temp = *mc.SupportsTemperature
	}
	return Model{
		ID:                  mc.ID,
		Provider:            Provider(mc.Provider),
		ProviderModel:       mc.ProviderModel,
		SupportsTemperature: temp,
		MaxTokens:           mc.MaxTokens,
		InputCostPer1K:      mc.InputCostPer1K,
		OutputCostPer1K:     mc.OutputCostPer1K,
	}
}
