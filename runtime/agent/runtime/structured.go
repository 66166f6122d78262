package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentcore/runtime/agent/model"
)

const responseSchemaURL = "mem://runtime/response.json"

func compileResponseFormat(f *model.ResponseFormat) (*jsonschema.Schema, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(f.Schema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal response schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(responseSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	schema, err := c.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return schema, nil
}

// answerText is the final answer of resp: the structured document when the
// provider returned one, the text otherwise.
func answerText(resp *model.Response) string {
	if len(resp.Structured) > 0 {
		return string(resp.Structured)
	}
	return resp.Text
}

// checkAnswer validates a structured answer and returns it as a JSON document.
// A surrounding markdown code fence is ignored.
func checkAnswer(schema *jsonschema.Schema, answer string) (json.RawMessage, error) {
	text := strings.TrimSpace(answer)
	if rest, ok := strings.CutPrefix(text, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "```"))
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("answer is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return json.RawMessage(text), nil
}

func correction(err error) string {
	return fmt.Sprintf("Your answer does not match the required response schema: %v\n"+
		"Answer again with only a JSON document that matches the schema.", err)
}
