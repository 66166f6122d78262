package callid

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCanonicalizes(t *testing.T) {
	a, err := Normalize(json.RawMessage(`{ "b": 1, "a": {"y": [1, 2], "x": "<>"} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":"<>","y":[1,2]},"b":1}`, string(a))

	empty, err := Normalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(empty))

	_, err = Normalize(json.RawMessage(`{"a":`))
	assert.Error(t, err)
	_, err = Normalize(json.RawMessage(`{} {}`))
	assert.Error(t, err)
}

func TestNormalizeKeepsNumberText(t *testing.T) {
	out, err := Normalize(json.RawMessage(`{"big":12345678901234567890,"f":1.50}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"f":1.50}`, string(out))
}

func TestComputeShape(t *testing.T) {
	id, err := Compute("echo", "1.0.0", json.RawMessage(`{"msg":"hi"}`), 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, Prefix))
	assert.Len(t, id, len(Prefix)+32)
}

func TestComputeSequenceDistinguishes(t *testing.T) {
	in := json.RawMessage(`{"msg":"hi"}`)
	a, err := Compute("echo", "1.0.0", in, 1)
	require.NoError(t, err)
	b, err := Compute("echo", "1.0.0", in, 2)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	v2, err := Compute("echo", "2.0.0", in, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, v2)
}

func TestContentKeyIgnoresSequence(t *testing.T) {
	a, err := ContentKey("echo", "1.0.0", json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	b, err := ContentKey("echo", "1.0.0", json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// TestComputeProperties verifies that Compute is pure and invariant under key
// reordering of structurally equal inputs.
func TestComputeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs yield same id", prop.ForAll(
		func(name, value string, seq int) bool {
			in := json.RawMessage(fmt.Sprintf(`{"v":%q}`, value))
			a, errA := Compute(name, "1.0.0", in, seq)
			b, errB := Compute(name, "1.0.0", in, seq)
			return errA == nil && errB == nil && a == b
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(0, 1000),
	))

	properties.Property("key order does not matter", prop.ForAll(
		func(m map[string]int, seq int) bool {
			forward, reverse := encodeOrdered(m)
			a, errA := Compute("tool", "1.2.3", forward, seq)
			b, errB := Compute("tool", "1.2.3", reverse, seq)
			return errA == nil && errB == nil && a == b
		},
		gen.MapOf(gen.Identifier(), gen.IntRange(-1000, 1000)),
		gen.IntRange(0, 1000),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(m map[string]int) bool {
			_, reverse := encodeOrdered(m)
			once, err := Normalize(reverse)
			if err != nil {
				return false
			}
			twice, err := Normalize(once)
			return err == nil && string(once) == string(twice)
		},
		gen.MapOf(gen.Identifier(), gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

// encodeOrdered renders m as JSON twice, once with keys ascending and once
// descending, with irregular whitespace.
func encodeOrdered(m map[string]int) (json.RawMessage, json.RawMessage) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var fwd, rev strings.Builder
	fwd.WriteString("{")
	rev.WriteString("{ ")
	for i, k := range keys {
		if i > 0 {
			fwd.WriteString(",")
		}
		fmt.Fprintf(&fwd, "%q:%d", k, m[k])
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if i < len(keys)-1 {
			rev.WriteString(" ,\n ")
		}
		fmt.Fprintf(&rev, "%q : %d", keys[i], m[keys[i]])
	}
	fwd.WriteString("}")
	rev.WriteString(" }")
	return json.RawMessage(fwd.String()), json.RawMessage(rev.String())
}
