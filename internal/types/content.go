// Package types defines the provider-neutral conversation model.
// Every provider adapter converts to and from these types; nothing in here
// knows about any particular wire format.
package types

import "encoding/json"

// Speaker identifies who produced a Content.
type Speaker string

const (
	SpeakerHuman  Speaker = "human"
	SpeakerAI     Speaker = "ai"
	SpeakerTool   Speaker = "tool"
	SpeakerSystem Speaker = "system"
)

// BlockType discriminates the Block variants.
type BlockType string

const (
	BlockText         BlockType = "text"
	BlockMedia        BlockType = "media"
	BlockToolCall     BlockType = "tool_call"
	BlockToolResponse BlockType = "tool_response"
	BlockThinking     BlockType = "thinking"
)

// Media encodings
const (
	EncodingBase64 = "base64"
	EncodingURL    = "url"
)

// Recognized metadata keys on Content.
const (
	MetaUsage     = "usage"
	MetaSynthetic = "synthetic"
)

// Block is one element of a Content. It is a flat tagged struct rather than
// an interface so session JSONL lines round-trip without custom decoders;
// only the fields for the given Type are populated.
type Block struct {
	Type BlockType `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// media
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	Encoding string `json:"encoding,omitempty"` // base64 | url

	// tool_call
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// tool_response
	CallID   string          `json:"callId,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	IsError  bool            `json:"isError,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Content is the neutral conversation element: one turn's worth of blocks
// from a single speaker. After insertion into a history it is never mutated.
type Content struct {
	Speaker  Speaker        `json:"speaker"`
	Blocks   []Block        `json:"blocks"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Usage is the normalized token accounting attached as metadata["usage"]
// on at most one streamed Content per call.
type Usage struct {
	PromptTokens        int `json:"promptTokens"`
	CompletionTokens    int `json:"completionTokens"`
	TotalTokens         int `json:"totalTokens"`
	CachedTokens        int `json:"cachedTokens,omitempty"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
	CacheMissTokens     int `json:"cacheMissTokens,omitempty"`
}

// NewText builds a single-block text Content.
func NewText(speaker Speaker, text string) Content {
	return Content{Speaker: speaker, Blocks: []Block{TextBlock(text)}}
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ThinkingBlock builds a reasoning-trace block.
func ThinkingBlock(text string) Block {
	return Block{Type: BlockThinking, Text: text}
}

// MediaBlock builds a media block.
func MediaBlock(mimeType, data, encoding string) Block {
	return Block{Type: BlockMedia, MimeType: mimeType, Data: data, Encoding: encoding}
}

// ToolCallBlock builds a tool_call block.
func ToolCallBlock(id, name string, params json.RawMessage) Block {
	return Block{Type: BlockToolCall, ID: id, Name: name, Parameters: params}
}

// ToolResponseBlock builds a tool_response block.
func ToolResponseBlock(callID, toolName string, result json.RawMessage) Block {
	return Block{Type: BlockToolResponse, CallID: callID, ToolName: toolName, Result: result}
}

// Clone returns a deep copy of the Content. Raw JSON fields and the
// metadata map are copied so mutation of the clone never leaks back.
func (c Content) Clone() Content {
	out := Content{Speaker: c.Speaker}
	if c.Blocks != nil {
		out.Blocks = make([]Block, len(c.Blocks))
		for i, b := range c.Blocks {
			nb := b
			nb.Parameters = append(json.RawMessage(nil), b.Parameters...)
			nb.Result = append(json.RawMessage(nil), b.Result...)
			out.Blocks[i] = nb
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneHistory deep-copies a slice of Content.
func CloneHistory(contents []Content) []Content {
	if contents == nil {
		return nil
	}
	out := make([]Content, len(contents))
	for i, c := range contents {
		out[i] = c.Clone()
	}
	return out
}

// TextContent concatenates all text blocks (media and tool blocks skipped).
func (c Content) TextContent() string {
	var s string
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// ToolCalls returns the tool_call blocks of the content.
func (c Content) ToolCalls() []Block {
	var out []Block
	for _, b := range c.Blocks {
		if b.Type == BlockToolCall {
			out = append(out, b)
		}
	}
	return out
}

// ToolResponses returns the tool_response blocks of the content.
func (c Content) ToolResponses() []Block {
	var out []Block
	for _, b := range c.Blocks {
		if b.Type == BlockToolResponse {
			out = append(out, b)
		}
	}
	return out
}

// IsSynthetic reports whether the content was injected by history repair.
func (c Content) IsSynthetic() bool {
	v, ok := c.Metadata[MetaSynthetic]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// WithUsage returns a copy of the content with usage metadata attached.
func (c Content) WithUsage(u Usage) Content {
	out := c.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[MetaUsage] = u
	return out
}
