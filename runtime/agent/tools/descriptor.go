// Package tools defines the runtime-facing tool contract: versioned
// descriptors, proposed calls, the envelope receipt produced for every
// invocation attempt, and the handler interface tool implementations satisfy.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Descriptor identifies a capability. A descriptor is immutable once published
// under a given name and version; a new version is a new descriptor.
type Descriptor struct {
	// Name is the tool name presented to the model.
	Name string `json:"name"`
	// Version is a semantic version string (with or without a leading "v").
	Version string `json:"version"`
	// Description documents the tool for prompting purposes.
	Description string `json:"description,omitempty"`
	// InputSchema is the JSON Schema document describing the call input.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// OutputSchema is the JSON Schema document describing the result.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	// Category groups the tool.
	Category Category `json:"category"`
	// SideEffects declares the impact class.
	SideEffects SideEffects `json:"side_effects"`
	// CachePolicy controls result caching.
	CachePolicy CachePolicy `json:"cache_policy"`
	// TTL is the cache lifetime when CachePolicy is CacheTTL.
	TTL time.Duration `json:"ttl,omitempty"`
	// Lifecycle is the publication state of this version.
	Lifecycle LifecycleState `json:"lifecycle_state"`
	// Cost is the estimated cost charged against the run budget per call.
	Cost float64 `json:"cost,omitempty"`
	// Timeout overrides the executor default per-call deadline when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RequiresCredentials makes the executor resolve secrets before invoking.
	RequiresCredentials bool `json:"requires_credentials,omitempty"`
}

// Ident returns the canonical "name@version" identifier.
func (d Descriptor) Ident() string {
	return Ident(d.Name, d.Version)
}

// Ident builds the canonical "name@version" identifier.
func Ident(name, version string) string {
	return name + "@" + version
}

// Validate checks that the descriptor is complete and its enums are known. It
// does not compile schemas; the registry does that at publication time.
func (d Descriptor) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.ContainsAny(d.Name, "@| \t\n") {
		errs = append(errs, fmt.Errorf("name %q contains reserved characters", d.Name))
	}
	if d.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if !d.Category.Valid() {
		errs = append(errs, fmt.Errorf("unknown category %q", d.Category))
	}
	if !d.SideEffects.Valid() {
		errs = append(errs, fmt.Errorf("unknown side effects %q", d.SideEffects))
	}
	if !d.CachePolicy.Valid() {
		errs = append(errs, fmt.Errorf("unknown cache policy %q", d.CachePolicy))
	}
	if d.CachePolicy == CacheTTL && d.TTL <= 0 {
		errs = append(errs, errors.New("ttl cache policy requires a positive ttl"))
	}
	if !d.Lifecycle.Valid() {
		errs = append(errs, fmt.Errorf("unknown lifecycle state %q", d.Lifecycle))
	}
	if d.Cost < 0 {
		errs = append(errs, errors.New("cost must not be negative"))
	}
	if len(d.InputSchema) > 0 && !json.Valid(d.InputSchema) {
		errs = append(errs, errors.New("input schema is not valid JSON"))
	}
	if len(d.OutputSchema) > 0 && !json.Valid(d.OutputSchema) {
		errs = append(errs, errors.New("output schema is not valid JSON"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("tools: descriptor %s: %w", d.Ident(), errors.Join(errs...))
}
