package tools

import (
	"fmt"
	"strings"
)

// Category groups tools by the kind of capability they expose.
type Category string

const (
	// CategoryAPI tools call a remote API.
	CategoryAPI Category = "api"
	// CategoryCode tools run code, typically inside a sandbox backend.
	CategoryCode Category = "code"
	// CategoryData tools read or write a data store.
	CategoryData Category = "data"
	// CategorySearch tools query a search index.
	CategorySearch Category = "search"
	// CategoryUtility tools are local helpers with no external dependency.
	CategoryUtility Category = "utility"
)

// SideEffects declares the impact class of a tool. The policy guard uses it to
// restrict writes in read-only contexts.
type SideEffects string

const (
	// SideEffectsNone tools are pure.
	SideEffectsNone SideEffects = "none"
	// SideEffectsReads tools observe external state.
	SideEffectsReads SideEffects = "reads"
	// SideEffectsWrites tools mutate external state.
	SideEffectsWrites SideEffects = "writes"
)

// CachePolicy controls whether the executor caches successful results.
type CachePolicy string

const (
	// CacheNone disables caching.
	CacheNone CachePolicy = "none"
	// CacheTTL caches results for the descriptor TTL.
	CacheTTL CachePolicy = "ttl"
	// CacheForever caches results for the lifetime of the cache.
	CacheForever CachePolicy = "forever"
)

// LifecycleState is the publication state of a tool version.
type LifecycleState string

const (
	// LifecycleActive versions are resolvable.
	LifecycleActive LifecycleState = "active"
	// LifecycleDeprecated versions resolve with a warning.
	LifecycleDeprecated LifecycleState = "deprecated"
	// LifecycleBlocked versions never resolve.
	LifecycleBlocked LifecycleState = "blocked"
)

// AllSideEffects returns every side-effect class ordered by impact.
func AllSideEffects() []SideEffects {
	return []SideEffects{SideEffectsNone, SideEffectsReads, SideEffectsWrites}
}

// ParseCategory normalizes s to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("tools: unknown category %q", s)
	}
	return c, nil
}

// Valid reports whether c is a recognized category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAPI, CategoryCode, CategoryData, CategorySearch, CategoryUtility:
		return true
	default:
		return false
	}
}

// ParseSideEffects normalizes s to a SideEffects value.
func ParseSideEffects(s string) (SideEffects, error) {
	se := SideEffects(strings.ToLower(strings.TrimSpace(s)))
	if !se.Valid() {
		return "", fmt.Errorf("tools: unknown side effects %q", s)
	}
	return se, nil
}

// Valid reports whether s is a recognized side-effect class.
func (s SideEffects) Valid() bool {
	switch s {
	case SideEffectsNone, SideEffectsReads, SideEffectsWrites:
		return true
	default:
		return false
	}
}

// ParseCachePolicy normalizes s to a CachePolicy. The empty string maps to
// CacheNone.
func ParseCachePolicy(s string) (CachePolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CacheNone, nil
	}
	p := CachePolicy(s)
	if !p.Valid() {
		return "", fmt.Errorf("tools: unknown cache policy %q", s)
	}
	return p, nil
}

// Valid reports whether p is a recognized cache policy.
func (p CachePolicy) Valid() bool {
	switch p {
	case CacheNone, CacheTTL, CacheForever:
		return true
	default:
		return false
	}
}

// Cacheable reports whether results may be stored under this policy.
func (p CachePolicy) Cacheable() bool {
	return p == CacheTTL || p == CacheForever
}

// ParseLifecycleState normalizes s to a LifecycleState. The empty string maps to
// LifecycleActive.
func ParseLifecycleState(s string) (LifecycleState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LifecycleActive, nil
	}
	st := LifecycleState(s)
	if !st.Valid() {
		return "", fmt.Errorf("tools: unknown lifecycle state %q", s)
	}
	return st, nil
}

// Valid reports whether s is a recognized lifecycle state.
func (s LifecycleState) Valid() bool {
	switch s {
	case LifecycleActive, LifecycleDeprecated, LifecycleBlocked:
		return true
	default:
		return false
	}
}
