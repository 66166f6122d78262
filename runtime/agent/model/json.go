package model

import (
	"encoding/json"
	"fmt"
)

type (
	messageJSON struct {
		Role  ConversationRole `json:"role"`
		Parts []partJSON       `json:"parts"`
	}

	partJSON struct {
		Kind      string          `json:"kind"`
		Text      string          `json:"text,omitempty"`
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name,omitempty"`
		Input     json.RawMessage `json:"input,omitempty"`
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`
	}
)

const (
	kindText       = "text"
	kindToolUse    = "tool_use"
	kindToolResult = "tool_result"
)

// MarshalJSON encodes parts with a "kind" discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{Role: m.Role, Parts: make([]partJSON, 0, len(m.Parts))}
	for i, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			out.Parts = append(out.Parts, partJSON{Kind: kindText, Text: v.Text})
		case ToolUsePart:
			out.Parts = append(out.Parts, partJSON{Kind: kindToolUse, ID: v.ID, Name: v.Name, Input: v.Input})
		case ToolResultPart:
			out.Parts = append(out.Parts, partJSON{Kind: kindToolResult, ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError})
		default:
			return nil, fmt.Errorf("encode parts[%d]: unsupported part %T", i, p)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes parts using their "kind" discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.Role = in.Role
	m.Parts = make([]Part, 0, len(in.Parts))
	for i, p := range in.Parts {
		switch p.Kind {
		case kindText:
			m.Parts = append(m.Parts, TextPart{Text: p.Text})
		case kindToolUse:
			m.Parts = append(m.Parts, ToolUsePart{ID: p.ID, Name: p.Name, Input: p.Input})
		case kindToolResult:
			if p.ToolUseID == "" {
				return fmt.Errorf("decode parts[%d]: tool_result requires tool_use_id", i)
			}
			m.Parts = append(m.Parts, ToolResultPart{ToolUseID: p.ToolUseID, Content: p.Content, IsError: p.IsError})
		default:
			return fmt.Errorf("decode parts[%d]: unknown kind %q", i, p.Kind)
		}
	}
	return nil
}
