package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/model"
)

func TestRequestToolsAppendsOutputTool(t *testing.T) {
	req := &model.Request{
		Tools:          []*model.ToolDefinition{{Name: "echo"}},
		ResponseFormat: &model.ResponseFormat{Schema: json.RawMessage(`{"type":"object"}`)},
	}
	defs, names, err := RequestTools("test", req, true)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Len(t, req.Tools, 1, "request tools must not be mutated")
	assert.Equal(t, OutputToolName, defs[1].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(defs[1].InputSchema))
	assert.True(t, names.Structured())
	assert.True(t, names.Output(OutputToolName))
	assert.False(t, names.Output("echo"))
}

func TestRequestToolsWithoutOutputTool(t *testing.T) {
	req := &model.Request{Tools: []*model.ToolDefinition{{Name: OutputToolName}}}
	defs, names, err := RequestTools("test", req, true)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
	assert.False(t, names.Output(OutputToolName), "a registry tool named like the output tool is a plain tool")

	req.ResponseFormat = &model.ResponseFormat{Schema: json.RawMessage(`{"type":"object"}`)}
	_, names, err = RequestTools("test", &model.Request{ResponseFormat: req.ResponseFormat}, false)
	require.NoError(t, err)
	assert.False(t, names.Structured())

	_, _, err = RequestTools("test", req, true)
	assert.ErrorContains(t, err, "collides")
}
