package wire

import (
	"fmt"
	"slices"

	"goa.design/agentcore/runtime/agent/model"
)

// OutputToolName is the provider-visible name of the tool through which
// variants without native schema enforcement return structured answers.
const OutputToolName = "structured_output"

const outputToolDescription = "Return the final answer as a JSON document matching this schema. " +
	"Call it once, when no other tool is needed."

// RequestTools returns the tool definitions to send for req and their name
// mapping. When outputTool is true and req carries a ResponseFormat, the
// output tool is appended and ToolNames reports calls to it through Output.
func RequestTools(provider string, req *model.Request, outputTool bool) ([]*model.ToolDefinition, *ToolNames, error) {
	defs := req.Tools
	withOutput := outputTool && req.ResponseFormat != nil
	if withOutput {
		for _, d := range defs {
			if d != nil && SanitizeToolName(d.Name) == OutputToolName {
				return nil, nil, fmt.Errorf("%s: tool %q collides with the structured output tool", provider, d.Name)
			}
		}
		desc := req.ResponseFormat.Description
		if desc == "" {
			desc = outputToolDescription
		}
		defs = append(slices.Clone(defs), &model.ToolDefinition{
			Name:        OutputToolName,
			Description: desc,
			InputSchema: req.ResponseFormat.Schema,
		})
	}
	names, err := NewToolNames(provider, defs)
	if err != nil {
		return nil, nil, err
	}
	names.output = withOutput
	return defs, names, nil
}

// Structured reports whether the output tool is part of the request. Variants
// then force a tool call so the model answers through it.
func (n *ToolNames) Structured() bool {
	return n.output
}

// Output reports whether the provider-visible tool name is the output tool.
func (n *ToolNames) Output(name string) bool {
	return n.output && name == OutputToolName
}
