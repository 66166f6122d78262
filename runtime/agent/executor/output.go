package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"goa.design/agentcore/runtime/agent/tools"
)

const jsonContentType = "application/json"

func marshalOutput(v any) (json.RawMessage, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		if len(raw) == 0 {
			return nil, nil
		}
		if !json.Valid(raw) {
			return nil, errors.New("output is not valid JSON")
		}
		return raw, nil
	default:
		return json.Marshal(v)
	}
}

// truncate moves the full output to the blob store and replaces the inline
// output with a JSON string holding a prefix of the serialized payload that
// fits the ceiling.
func (e *Executor) truncate(ctx context.Context, env tools.Envelope) (tools.Envelope, error) {
	full := env.Output
	url, err := e.blobs.Put(ctx, full, jsonContentType)
	if err != nil {
		return env, err
	}
	env.Output = preview(full, e.maxOutput)
	env.Truncated = true
	env.Attachments = append(env.Attachments, tools.Attachment{
		Kind:        tools.AttachmentBlob,
		URL:         url,
		ContentType: jsonContentType,
		Size:        int64(len(full)),
	})
	return env, nil
}

// preview returns the longest prefix of raw, cut on a rune boundary, whose
// encoding as a JSON string is at most limit bytes.
func preview(raw []byte, limit int) json.RawMessage {
	n := min(len(raw), max(limit-2, 0))
	for {
		for n > 0 && n < len(raw) && !utf8.RuneStart(raw[n]) {
			n--
		}
		enc := quoteRaw(raw[:n])
		if len(enc) <= limit || n == 0 {
			return enc
		}
		n -= len(enc) - limit
		if n < 0 {
			n = 0
		}
	}
}

func quoteRaw(b []byte) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(string(b))
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}
