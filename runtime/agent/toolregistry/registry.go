// Package toolregistry holds versioned tool descriptors.
//
// A Registry publishes immutable Snapshots. Lookups read the current snapshot
// without locking; registration and reload build a new snapshot and swap it in
// atomically so concurrent runs never observe a partially updated registry.
// Runs that need a stable view for their whole lifetime capture a Snapshot at
// start and resolve against it.
package toolregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/mod/semver"

	"goa.design/agentcore/runtime/agent/tools"
)

var (
	// ErrDuplicateVersion indicates the name+version pair is already published.
	ErrDuplicateVersion = errors.New("toolregistry: duplicate version")
	// ErrNotFound indicates no resolvable version exists.
	ErrNotFound = errors.New("toolregistry: not found")
	// ErrBlocked indicates the only matching versions are blocked.
	ErrBlocked = errors.New("toolregistry: blocked")
	// ErrInvalidDescriptor indicates a descriptor failed validation or its
	// schemas failed to compile.
	ErrInvalidDescriptor = errors.New("toolregistry: invalid descriptor")
)

type (
	// Resolver resolves a tool name and optional version to a descriptor.
	// Registry and Snapshot implement it.
	Resolver interface {
		Resolve(name, version string) (Resolution, error)
	}

	// Resolution is the result of a successful lookup.
	Resolution struct {
		// Descriptor is the resolved descriptor.
		Descriptor tools.Descriptor
		// Deprecated is set when the resolved version is deprecated. Callers
		// should surface a warning but may proceed.
		Deprecated bool

		schema *jsonschema.Schema
	}

	// Filter restricts List results. Zero fields match everything.
	Filter struct {
		Category tools.Category
		State    tools.LifecycleState
	}

	// Snapshot is an immutable view of the registry.
	Snapshot struct {
		// byName holds versions ordered highest first.
		byName map[string][]entry
		// names is sorted ascending.
		names []string
	}

	// Registry owns the current snapshot.
	Registry struct {
		mu      sync.Mutex
		current atomic.Pointer[Snapshot]
	}

	entry struct {
		desc   tools.Descriptor
		semver string
		schema *jsonschema.Schema
	}
)

// New builds a registry seeded with descs.
func New(descs ...tools.Descriptor) (*Registry, error) {
	snap, err := buildSnapshot(descs)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(snap)
	return r, nil
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Register publishes d. It fails with ErrDuplicateVersion when the name and
// version are already published.
func (r *Registry) Register(d tools.Descriptor) error {
	e, err := newEntry(d)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := r.current.Load().with(e)
	if err != nil {
		return err
	}
	r.current.Store(next)
	return nil
}

// Reload replaces the whole registry with descs. The previous snapshot stays
// valid for holders of it.
func (r *Registry) Reload(descs []tools.Descriptor) error {
	snap, err := buildSnapshot(descs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current.Store(snap)
	r.mu.Unlock()
	return nil
}

// Resolve resolves against the current snapshot.
func (r *Registry) Resolve(name, version string) (Resolution, error) {
	return r.Snapshot().Resolve(name, version)
}

// List lists the current snapshot.
func (r *Registry) List(f Filter) iter.Seq[tools.Descriptor] {
	return r.Snapshot().List(f)
}

// Resolve returns the descriptor for name. When version is empty the highest
// active version wins; when no active version exists the highest deprecated
// version is returned with Deprecated set. Blocked versions never resolve.
func (s *Snapshot) Resolve(name, version string) (Resolution, error) {
	versions := s.byName[name]
	if len(versions) == 0 {
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if version != "" {
		sv := canonical(version)
		for _, e := range versions {
			if semver.Compare(e.semver, sv) != 0 {
				continue
			}
			return e.resolution()
		}
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, tools.Ident(name, version))
	}
	var deprecated *entry
	for i := range versions {
		e := &versions[i]
		switch e.desc.Lifecycle {
		case tools.LifecycleActive:
			return e.resolution()
		case tools.LifecycleDeprecated:
			if deprecated == nil {
				deprecated = e
			}
		}
	}
	if deprecated != nil {
		return deprecated.resolution()
	}
	return Resolution{}, fmt.Errorf("%w: %s", ErrBlocked, name)
}

// List yields descriptors matching f ordered by name ascending then version
// descending. The sequence is lazy and may be iterated any number of times.
func (s *Snapshot) List(f Filter) iter.Seq[tools.Descriptor] {
	return func(yield func(tools.Descriptor) bool) {
		for _, name := range s.names {
			for _, e := range s.byName[name] {
				if f.Category != "" && e.desc.Category != f.Category {
					continue
				}
				if f.State != "" && e.desc.Lifecycle != f.State {
					continue
				}
				if !yield(e.desc) {
					return
				}
			}
		}
	}
}

// Len returns the number of published versions.
func (s *Snapshot) Len() int {
	n := 0
	for _, vs := range s.byName {
		n += len(vs)
	}
	return n
}

// ValidateInput checks input against the descriptor input schema. Empty input
// is validated as an empty object. Descriptors without a schema accept any
// valid JSON.
func (r Resolution) ValidateInput(input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if r.schema == nil {
		return nil
	}
	return r.schema.Validate(doc)
}

func (e *entry) resolution() (Resolution, error) {
	switch e.desc.Lifecycle {
	case tools.LifecycleBlocked:
		return Resolution{}, fmt.Errorf("%w: %s", ErrBlocked, e.desc.Ident())
	case tools.LifecycleDeprecated:
		return Resolution{Descriptor: e.desc, Deprecated: true, schema: e.schema}, nil
	default:
		return Resolution{Descriptor: e.desc, schema: e.schema}, nil
	}
}

func (s *Snapshot) with(e entry) (*Snapshot, error) {
	for _, existing := range s.byName[e.desc.Name] {
		if semver.Compare(existing.semver, e.semver) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, e.desc.Ident())
		}
	}
	next := &Snapshot{byName: make(map[string][]entry, len(s.byName)+1)}
	for name, vs := range s.byName {
		next.byName[name] = vs
	}
	vs := append(append([]entry(nil), s.byName[e.desc.Name]...), e)
	sortVersions(vs)
	next.byName[e.desc.Name] = vs
	next.names = sortedNames(next.byName)
	return next, nil
}

func buildSnapshot(descs []tools.Descriptor) (*Snapshot, error) {
	snap := &Snapshot{byName: make(map[string][]entry)}
	for _, d := range descs {
		e, err := newEntry(d)
		if err != nil {
			return nil, err
		}
		for _, existing := range snap.byName[d.Name] {
			if semver.Compare(existing.semver, e.semver) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, d.Ident())
			}
		}
		snap.byName[d.Name] = append(snap.byName[d.Name], e)
	}
	for _, vs := range snap.byName {
		sortVersions(vs)
	}
	snap.names = sortedNames(snap.byName)
	return snap, nil
}

func newEntry(d tools.Descriptor) (entry, error) {
	if err := d.Validate(); err != nil {
		return entry{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	sv := canonical(d.Version)
	if !semver.IsValid(sv) {
		return entry{}, fmt.Errorf("%w: %s: version %q is not semantic", ErrInvalidDescriptor, d.Name, d.Version)
	}
	schema, err := compileSchema(d)
	if err != nil {
		return entry{}, fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, d.Ident(), err)
	}
	return entry{desc: d, semver: sv, schema: schema}, nil
}

func compileSchema(d tools.Descriptor) (*jsonschema.Schema, error) {
	if len(d.InputSchema) == 0 {
		return nil, nil
	}
	var schemaDoc any
	if err := json.Unmarshal(d.InputSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := "mem://tools/" + d.Name + "/" + d.Version + "/input.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// canonical maps a version to the form golang.org/x/mod/semver expects.
func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func sortVersions(vs []entry) {
	sort.SliceStable(vs, func(i, j int) bool {
		return semver.Compare(vs[i].semver, vs[j].semver) > 0
	})
}

func sortedNames(m map[string][]entry) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
