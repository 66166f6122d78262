package model

import (
	"errors"
	"io"
	"iter"
	"strings"
)

// Chunks yields the chunks of s until io.EOF or the first error, then closes
// s. The sequence is single use: a second range over it yields nothing.
func Chunks(s Streamer) iter.Seq2[Chunk, error] {
	done := false
	return func(yield func(Chunk, error) bool) {
		if done {
			return
		}
		done = true
		defer s.Close()
		for {
			c, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Fragments yields only the text fragments of s. Like Chunks it closes s
// and can be ranged over once.
func Fragments(s Streamer) iter.Seq2[string, error] {
	chunks := Chunks(s)
	return func(yield func(string, error) bool) {
		for c, err := range chunks {
			if err != nil {
				yield("", err)
				return
			}
			if c.Type != ChunkTypeText || c.Text == "" {
				continue
			}
			if !yield(c.Text, nil) {
				return
			}
		}
	}
}

// Accumulate drains s into a Response and closes it. onFragment, when set,
// receives each text fragment as it arrives.
func Accumulate(s Streamer, onFragment func(string)) (*Response, error) {
	var (
		resp Response
		text strings.Builder
	)
	for c, err := range Chunks(s) {
		if err != nil {
			return nil, err
		}
		switch c.Type {
		case ChunkTypeText:
			text.WriteString(c.Text)
			if onFragment != nil && c.Text != "" {
				onFragment(c.Text)
			}
		case ChunkTypeToolCall:
			if c.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *c.ToolCall)
			}
		case ChunkTypeUsage:
			if c.Usage != nil {
				resp.Usage.Add(*c.Usage)
			}
		case ChunkTypeStop:
			resp.StopReason = c.StopReason
		case ChunkTypeStructured:
			resp.Structured = c.Structured
		}
	}
	resp.Text = text.String()
	return &resp, nil
}
