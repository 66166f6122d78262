package wire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/model"
)

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "echo", SanitizeToolName("echo"))
	assert.Equal(t, "files_read", SanitizeToolName("files.read"))
	assert.Equal(t, "a_b-c", SanitizeToolName("a b-c"))
	long := SanitizeToolName(strings.Repeat("x", 100))
	assert.Len(t, long, 64)
	assert.Equal(t, long, SanitizeToolName(strings.Repeat("x", 100)))
	assert.NotEqual(t, long, SanitizeToolName(strings.Repeat("x", 101)))
}

func TestToolNames(t *testing.T) {
	n, err := NewToolNames("test", []*model.ToolDefinition{{Name: "files.read"}, {Name: "echo"}})
	require.NoError(t, err)
	assert.Equal(t, "files_read", n.Provider("files.read"))
	assert.Equal(t, "files.read", n.Registry("files_read"))
	assert.Equal(t, "made_up", n.Registry("made_up"))
	assert.Equal(t, "old_tool", n.Provider("old.tool"))

	_, err = NewToolNames("test", []*model.ToolDefinition{{Name: "a.b"}, {Name: "a_b"}})
	require.Error(t, err)
}

func TestArguments(t *testing.T) {
	assert.JSONEq(t, `{}`, string(Arguments("  ")))
	assert.JSONEq(t, `{"a":1}`, string(Arguments(`{"a":1}`)))
	assert.JSONEq(t, `{"raw":"{oops"}`, string(Arguments("{oops")))
}

func TestHTTPError(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	err := HTTPError("openai", "chat", 429, "slow down", h, errors.New("cause"))
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, pe.RetryAfter())
	assert.True(t, pe.Retryable())

	err = HTTPError("openai", "chat", 400, "bad", nil, nil)
	pe, _ = model.AsProviderError(err)
	assert.Equal(t, model.ProviderErrorKindInvalidRequest, pe.Kind())
	assert.False(t, pe.Retryable())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransportError(t *testing.T) {
	require.ErrorIs(t, TransportError("x", "op", context.Canceled), context.Canceled)
	pe, ok := model.AsProviderError(TransportError("x", "op", fmt.Errorf("dial: %w", timeoutErr{})))
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
	pe, _ = model.AsProviderError(TransportError("x", "op", errors.New("weird")))
	assert.Equal(t, model.ProviderErrorKindUnknown, pe.Kind())
}

func TestRetryAfter(t *testing.T) {
	assert.Zero(t, RetryAfter(nil))
	h := http.Header{}
	h.Set("Retry-After", "0.5")
	assert.Equal(t, 500*time.Millisecond, RetryAfter(h))
	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	assert.Greater(t, RetryAfter(h), 50*time.Minute)
}
