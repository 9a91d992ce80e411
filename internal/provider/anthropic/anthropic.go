// Package anthropic implements the Messages API adapter on the official
// SDK. Tool-use IDs go out in toolu_ form, the system prompt travels in
// the dedicated system field, and max_tokens is always set because the
// API requires it.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/llxprt/llxprt/internal/history"
	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/provider"
	"github.com/llxprt/llxprt/internal/toolid"
	"github.com/llxprt/llxprt/internal/types"
)

const providerName = "anthropic"

// defaultMaxTokens applies when no max_tokens parameter is configured;
// the Messages API rejects requests without one.
const defaultMaxTokens = 8192

// Adapter talks the Messages API.
type Adapter struct {
	httpClient *http.Client
}

// New builds the adapter.
func New() *Adapter {
	return &Adapter{httpClient: &http.Client{}}
}

func (a *Adapter) Name() string         { return providerName }
func (a *Adapter) DefaultModel() string { return "claude-sonnet-4-5" }
func (a *Adapter) ToolFormat() string   { return provider.ToolFormatAnthropic }
func (a *Adapter) SupportsOAuth() bool  { return true }

func (a *Adapter) IsAuthenticated(call provider.ResolvedCall) bool {
	return call.AuthToken != ""
}

func (a *Adapter) client(call provider.ResolvedCall) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(call.AuthToken),
		option.WithHTTPClient(a.httpClient),
	}
	if call.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(call.BaseURL))
	}
	for k, v := range call.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return anthropic.NewClient(opts...)
}

func buildParams(req *provider.Request) anthropic.MessageNewParams {
	contents, dropped := history.DropOrphanResponses(req.Contents)
	if dropped > 0 {
		L_debug("anthropic: dropped orphan tool responses", "count", dropped)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Resolved.Model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  convertMessages(contents),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	applyParams(&params, req.Resolved.Params)
	return params
}

// convertMessages maps the neutral history onto Messages API turns. Tool
// results ride in user messages; consecutive content for one speaker
// stays one message so tool_use and its text stay together.
func convertMessages(contents []types.Content) []anthropic.MessageParam {
	var msgs []anthropic.MessageParam
	for _, c := range contents {
		switch c.Speaker {
		case types.SpeakerHuman, types.SpeakerSystem:
			if blocks := userBlocks(c); len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewUserMessage(blocks...))
			}
		case types.SpeakerAI:
			if blocks := assistantBlocks(c); len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
			}
		case types.SpeakerTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range c.Blocks {
				if b.Type != types.BlockToolResponse {
					continue
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(
					toolid.ToAnthropic(b.CallID), toolResultText(b), b.IsError || b.Error != ""))
			}
			if len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return msgs
}

func userBlocks(c types.Content) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		case types.BlockMedia:
			if b.Encoding == types.EncodingBase64 {
				blocks = append(blocks, anthropic.NewImageBlockBase64(b.MimeType, b.Data))
			}
		}
	}
	return blocks
}

func assistantBlocks(c types.Content) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
		case types.BlockToolCall:
			var input any = map[string]any{}
			if len(b.Parameters) > 0 {
				var parsed any
				if err := json.Unmarshal(b.Parameters, &parsed); err == nil {
					input = parsed
				}
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    toolid.ToAnthropic(b.ID),
					Name:  b.Name,
					Input: input,
				},
			})
		}
	}
	return blocks
}

func toolResultText(b types.Block) string {
	if b.Error != "" {
		return b.Error
	}
	if msg, ok := history.CancellationText(b.Result); ok {
		return msg
	}
	var s string
	if err := json.Unmarshal(b.Result, &s); err == nil {
		return s
	}
	return string(b.Result)
}

func convertTools(tools []types.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		properties := any(nil)
		if schema != nil {
			properties = schema["properties"]
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: properties},
			},
		})
	}
	return out
}

func applyParams(params *anthropic.MessageNewParams, raw map[string]any) {
	for k, v := range raw {
		switch k {
		case "max_tokens":
			if n := int64(toFloat(v)); n > 0 {
				params.MaxTokens = n
			}
		case "temperature":
			params.Temperature = anthropic.Float(toFloat(v))
		case "top_p":
			params.TopP = anthropic.Float(toFloat(v))
		case "thinking-budget":
			if n := int64(toFloat(v)); n > 0 {
				params.Thinking = anthropic.ThinkingConfigParamOfEnabled(n)
				if params.MaxTokens <= n {
					params.MaxTokens = n + defaultMaxTokens
				}
			}
		}
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Generate runs one call, streaming unless disabled.
func (a *Adapter) Generate(ctx context.Context, req *provider.Request, onChunk func(types.Content) error) error {
	params := buildParams(req)
	client := a.client(req.Resolved)
	if req.Resolved.Streaming {
		return a.generateStream(ctx, client, params, onChunk)
	}
	return a.generateOnce(ctx, client, params, onChunk)
}

func (a *Adapter) generateStream(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, onChunk func(types.Content) error) error {
	stream := client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return llmerr.Wrap(llmerr.KindBadUpstream, providerName, "malformed stream event", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if err := onChunk(types.NewText(types.SpeakerAI, delta.Text)); err != nil {
					return err
				}
			case anthropic.ThinkingDelta:
				c := types.Content{Speaker: types.SpeakerAI, Blocks: []types.Block{types.ThinkingBlock(delta.Thinking)}}
				if err := onChunk(c); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return mapError(err, true)
	}
	return onChunk(finalContent(&message))
}

func (a *Adapter) generateOnce(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams, onChunk func(types.Content) error) error {
	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return mapError(err, false)
	}
	final := finalContent(message)
	// Without a stream there were no deltas, so the text blocks ride on
	// the final content instead.
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			final.Blocks = append([]types.Block{types.TextBlock(text.Text)}, final.Blocks...)
		}
	}
	return onChunk(final)
}

// finalContent carries the accumulated tool calls and usage. Text already
// streamed as deltas is not repeated.
func finalContent(message *anthropic.Message) types.Content {
	final := types.Content{Speaker: types.SpeakerAI}
	for _, block := range message.Content {
		if tool, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			params, err := json.Marshal(tool.Input)
			if err != nil || len(params) == 0 || string(params) == "null" {
				params = []byte("{}")
			}
			final.Blocks = append(final.Blocks, types.ToolCallBlock(
				toolid.ToHistory(tool.ID), tool.Name, params))
		}
	}
	return final.WithUsage(types.Usage{
		PromptTokens:        int(message.Usage.InputTokens),
		CompletionTokens:    int(message.Usage.OutputTokens),
		TotalTokens:         int(message.Usage.InputTokens + message.Usage.OutputTokens),
		CachedTokens:        int(message.Usage.CacheReadInputTokens),
		CacheCreationTokens: int(message.Usage.CacheCreationInputTokens),
	})
}

// knownModels is the served model table. All current Claude models share
// a 200k standard context window; extended context is a separate beta.
var knownModels = []provider.Model{
	{ID: "claude-opus-4-5", ContextWindow: 200000, MaxOutput: 64000},
	{ID: "claude-sonnet-4-5", ContextWindow: 200000, MaxOutput: 64000},
	{ID: "claude-haiku-4-5", ContextWindow: 200000, MaxOutput: 64000},
}

// Models returns the known model table.
func (a *Adapter) Models(ctx context.Context, call provider.ResolvedCall) ([]provider.Model, error) {
	out := make([]provider.Model, len(knownModels))
	copy(out, knownModels)
	return out, nil
}

// mapError folds SDK errors into the taxonomy. midStream marks failures
// after the stream was established, which re-attempt end to end.
func mapError(err error, midStream bool) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		e := llmerr.FromStatus(providerName, apierr.StatusCode, apiErrorMessage(apierr))
		e.Err = err
		return e
	}
	if errors.Is(err, context.Canceled) {
		return llmerr.Wrap(llmerr.KindCancelled, providerName, "", err)
	}
	if midStream {
		return llmerr.Wrap(llmerr.KindStreamInterrupted, providerName, "stream dropped mid-response", err)
	}
	return llmerr.Wrap(llmerr.KindOf(err), providerName, "request failed", err)
}

// apiErrorMessage keeps the upstream cause without echoing the request.
func apiErrorMessage(apierr *anthropic.Error) string {
	msg := apierr.Error()
	if i := strings.Index(msg, "\n"); i > 0 {
		msg = msg[:i]
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
