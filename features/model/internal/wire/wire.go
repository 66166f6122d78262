// Package wire holds the helpers shared by the provider variants: provider
// safe tool names, structured output, error classification and tool argument
// decoding.
package wire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goa.design/agentcore/runtime/agent/model"
)

// maxToolNameLen is the longest tool name accepted by the providers.
const maxToolNameLen = 64

// ToolNames maps registry tool names to provider-visible names and back for
// one request.
type ToolNames struct {
	toProvider map[string]string
	toRegistry map[string]string
	output     bool
}

// NewToolNames builds the mapping for defs. Two tools whose names sanitize to
// the same provider name are rejected.
func NewToolNames(provider string, defs []*model.ToolDefinition) (*ToolNames, error) {
	n := &ToolNames{
		toProvider: make(map[string]string, len(defs)),
		toRegistry: make(map[string]string, len(defs)),
	}
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		safe := SanitizeToolName(def.Name)
		if prev, ok := n.toRegistry[safe]; ok && prev != def.Name {
			return nil, fmt.Errorf("%s: tool name %q sanitizes to %q which collides with %q", provider, def.Name, safe, prev)
		}
		n.toRegistry[safe] = def.Name
		n.toProvider[def.Name] = safe
	}
	return n, nil
}

// Provider returns the provider-visible name for a registry name. Unknown
// names are sanitized on the fly so transcripts referencing retired tools
// still encode.
func (n *ToolNames) Provider(name string) string {
	if s, ok := n.toProvider[name]; ok {
		return s
	}
	return SanitizeToolName(name)
}

// Registry returns the registry name for a provider-visible name. Names the
// model invented are returned unchanged so the executor reports them.
func (n *ToolNames) Registry(name string) string {
	if s, ok := n.toRegistry[name]; ok {
		return s
	}
	return name
}

// SanitizeToolName maps name onto [a-zA-Z0-9_-]{1,64}. Dots become
// underscores, other disallowed runes become '_' and overlong names are
// truncated with a stable hash suffix.
func SanitizeToolName(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) <= maxToolNameLen {
		return out
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:8]
	return out[:maxToolNameLen-len(suffix)-1] + "_" + suffix
}

// Arguments turns provider tool arguments into a JSON document. Empty input
// yields an empty object and malformed JSON is wrapped as {"raw": "..."} so
// schema validation reports it.
func Arguments(raw string) json.RawMessage {
	s := strings.TrimSpace(raw)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": raw})
	return wrapped
}

// HTTPError builds the provider error for a failed HTTP exchange.
func HTTPError(provider, op string, status int, message string, header http.Header, cause error) error {
	pe := model.NewProviderError(provider, op, status, model.KindForStatus(status), message, cause)
	if d := RetryAfter(header); d > 0 {
		pe = pe.WithRetryAfter(d)
	}
	return pe
}

// TransportError classifies failures that carry no HTTP status. Context
// errors pass through unchanged so callers observe cancellation.
func TransportError(provider, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := model.AsProviderError(err); ok {
		return err
	}
	kind := model.ProviderErrorKindUnknown
	var ne net.Error
	if errors.As(err, &ne) {
		kind = model.ProviderErrorKindUnavailable
	}
	return model.NewProviderError(provider, op, 0, kind, "", err)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
