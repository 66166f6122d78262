// Package secrets resolves tool credentials for a tenant.
//
// Resolution walks the tenant scopes from the most specific to the least
// specific (user, workspace, org) and returns the first credential set found.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when no scope holds credentials for the tool.
var ErrNotFound = errors.New("secrets: no credentials")

// Scope is a tenant scope credentials can be bound to.
type Scope string

const (
	// ScopeUser binds credentials to a single user.
	ScopeUser Scope = "user"
	// ScopeWorkspace binds credentials to a workspace.
	ScopeWorkspace Scope = "workspace"
	// ScopeOrg binds credentials to an organization.
	ScopeOrg Scope = "org"
)

// Precedence lists scopes in resolution order.
var Precedence = []Scope{ScopeUser, ScopeWorkspace, ScopeOrg}

type (
	// Tenant identifies the caller of a run at each scope. Empty identifiers
	// skip the corresponding scope.
	Tenant struct {
		UserID      string `json:"user_id,omitempty"`
		WorkspaceID string `json:"workspace_id,omitempty"`
		OrgID       string `json:"org_id,omitempty"`
	}

	// Resolution is a resolved credential set.
	Resolution struct {
		Credentials map[string]string
		Scope       Scope
	}

	// Resolver resolves credentials for a tool call.
	Resolver interface {
		Resolve(ctx context.Context, toolName string, tenant Tenant) (Resolution, error)
	}

	// Store looks up credentials bound to one scope identifier.
	Store interface {
		Lookup(ctx context.Context, scope Scope, scopeID, toolName string) (map[string]string, bool, error)
	}

	// ScopedResolver implements Resolver over a Store using Precedence.
	ScopedResolver struct {
		store Store
	}

	// MemoryStore is an in-memory Store.
	MemoryStore struct {
		mu      sync.RWMutex
		entries map[string]map[string]string
	}

	// EnvStore reads credentials from environment variables named
	//
	//	<PREFIX><SCOPE>__<SCOPE ID>__<TOOL>__<KEY>
	//
	// Segments are upper-cased and each run of non-alphanumeric characters
	// becomes a single underscore, so a segment never contains the double
	// underscore separator. Credential keys are returned lower-cased.
	EnvStore struct {
		prefix  string
		environ func() []string
	}
)

// ID returns the tenant identifier for scope.
func (t Tenant) ID(scope Scope) string {
	switch scope {
	case ScopeUser:
		return t.UserID
	case ScopeWorkspace:
		return t.WorkspaceID
	case ScopeOrg:
		return t.OrgID
	default:
		return ""
	}
}

// NewResolver returns a resolver backed by store.
func NewResolver(store Store) *ScopedResolver {
	return &ScopedResolver{store: store}
}

// Resolve returns the credentials of the first scope holding some for
// toolName. It fails with ErrNotFound when no scope does.
func (r *ScopedResolver) Resolve(ctx context.Context, toolName string, tenant Tenant) (Resolution, error) {
	for _, scope := range Precedence {
		id := tenant.ID(scope)
		if id == "" {
			continue
		}
		creds, ok, err := r.store.Lookup(ctx, scope, id, toolName)
		if err != nil {
			return Resolution{}, fmt.Errorf("secrets: lookup %s scope: %w", scope, err)
		}
		if ok {
			return Resolution{Credentials: creds, Scope: scope}, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w for tool %q", ErrNotFound, toolName)
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]map[string]string)}
}

// Set binds creds to the tool at the given scope identifier.
func (s *MemoryStore) Set(scope Scope, scopeID, toolName string, creds map[string]string) {
	cp := make(map[string]string, len(creds))
	for k, v := range creds {
		cp[k] = v
	}
	s.mu.Lock()
	s.entries[memoryKey(scope, scopeID, toolName)] = cp
	s.mu.Unlock()
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, scope Scope, scopeID, toolName string) (map[string]string, bool, error) {
	s.mu.RLock()
	creds, ok := s.entries[memoryKey(scope, scopeID, toolName)]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	cp := make(map[string]string, len(creds))
	for k, v := range creds {
		cp[k] = v
	}
	return cp, true, nil
}

func memoryKey(scope Scope, scopeID, toolName string) string {
	return string(scope) + "\x00" + scopeID + "\x00" + toolName
}

// NewEnvStore returns a store reading the process environment. An empty prefix
// defaults to "AGENTCORE_SECRET_".
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = "AGENTCORE_SECRET_"
	}
	return &EnvStore{prefix: prefix, environ: os.Environ}
}

// Lookup implements Store. Variables whose key remainder contains the
// separator belong to another scope identifier or tool and are ignored.
func (s *EnvStore) Lookup(_ context.Context, scope Scope, scopeID, toolName string) (map[string]string, bool, error) {
	want := s.prefix + strings.Join([]string{envSegment(string(scope)), envSegment(scopeID), envSegment(toolName)}, envSep) + envSep
	var creds map[string]string
	for _, kv := range s.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		key, ok := strings.CutPrefix(k, want)
		if !ok || key == "" || key != envSegment(key) {
			continue
		}
		if creds == nil {
			creds = make(map[string]string)
		}
		creds[strings.ToLower(key)] = v
	}
	return creds, creds != nil, nil
}

const envSep = "__"

// envSegment upper-cases s and collapses each run of non-alphanumeric
// characters into one underscore, trimming leading and trailing ones.
func envSegment(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
