// Package openai implements the Chat Completions adapter. It serves the
// OpenAI API and the many compatible servers (Fireworks, Deepseek, LM
// Studio, llama.cpp) behind a base-url override.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/llxprt/llxprt/internal/history"
	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/provider"
	"github.com/llxprt/llxprt/internal/toolcall"
	"github.com/llxprt/llxprt/internal/toolid"
	"github.com/llxprt/llxprt/internal/types"
)

const providerName = "openai"

// Adapter talks Chat Completions.
type Adapter struct {
	httpClient *http.Client
}

// New builds the adapter.
func New() *Adapter {
	return &Adapter{httpClient: &http.Client{}}
}

func (a *Adapter) Name() string         { return providerName }
func (a *Adapter) DefaultModel() string { return "gpt-4o" }
func (a *Adapter) ToolFormat() string   { return provider.ToolFormatOpenAI }
func (a *Adapter) SupportsOAuth() bool  { return false }

func (a *Adapter) IsAuthenticated(call provider.ResolvedCall) bool {
	return call.AuthToken != ""
}

func (a *Adapter) client(call provider.ResolvedCall) *openai.Client {
	cfg := openai.DefaultConfig(call.AuthToken)
	if call.BaseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(call.BaseURL, "/")
	}
	httpClient := a.httpClient
	if len(call.Headers) > 0 {
		httpClient = &http.Client{
			Transport: &headerTransport{base: a.httpClient.Transport, headers: call.Headers},
		}
	}
	cfg.HTTPClient = httpClient
	return openai.NewClientWithConfig(cfg)
}

// headerTransport injects custom headers into every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Generate runs one completion, streaming unless the call disables it.
func (a *Adapter) Generate(ctx context.Context, req *provider.Request, onChunk func(types.Content) error) error {
	wireReq, err := a.buildRequest(req)
	if err != nil {
		return err
	}
	client := a.client(req.Resolved)
	names := toolNames(req.Tools)
	if req.Resolved.Streaming {
		return a.generateStream(ctx, client, wireReq, names, onChunk)
	}
	return a.generateOnce(ctx, client, wireReq, names, onChunk)
}

func toolNames(tools []types.ToolDefinition) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

func (a *Adapter) buildRequest(req *provider.Request) (openai.ChatCompletionRequest, error) {
	// Compatible servers reject tool responses with no matching call, so
	// orphan responses are dropped before conversion.
	contents, dropped := history.DropOrphanResponses(req.Contents)
	if dropped > 0 {
		L_debug("openai: dropped orphan tool responses", "count", dropped)
	}

	wireReq := openai.ChatCompletionRequest{
		Model:    req.Resolved.Model,
		Messages: convertHistory(contents, req.System),
		Tools:    convertTools(req.Tools),
	}
	applyParams(&wireReq, req.Resolved.Params)
	return wireReq, nil
}

// convertHistory maps the neutral history to Chat Completions messages.
// Tool-call IDs go out in wire form and responses are matched the same
// way, so whatever form the history carries the pairing survives.
func convertHistory(contents []types.Content, system string) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, c := range contents {
		switch c.Speaker {
		case types.SpeakerSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: c.TextContent(),
			})
		case types.SpeakerHuman:
			msgs = append(msgs, userMessage(c))
		case types.SpeakerAI:
			msgs = append(msgs, assistantMessage(c))
		case types.SpeakerTool:
			for _, b := range c.Blocks {
				if b.Type != types.BlockToolResponse {
					continue
				}
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: toolid.ToOpenAI(b.CallID),
					Content:    toolResultText(b),
				})
			}
		}
	}
	return msgs
}

func userMessage(c types.Content) openai.ChatCompletionMessage {
	var hasMedia bool
	for _, b := range c.Blocks {
		if b.Type == types.BlockMedia {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: c.TextContent(),
		}
	}
	var parts []openai.ChatMessagePart
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: b.Text,
			})
		case types.BlockMedia:
			url := b.Data
			if b.Encoding != types.EncodingURL {
				url = fmt.Sprintf("data:%s;base64,%s", b.MimeType, b.Data)
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func assistantMessage(c types.Content) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			msg.Content += b.Text
		case types.BlockToolCall:
			args := string(b.Parameters)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   toolid.ToOpenAI(b.ID),
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	return msg
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

func convertTools(tools []types.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func applyParams(req *openai.ChatCompletionRequest, params map[string]any) {
	for k, v := range params {
		switch k {
		case "temperature":
			req.Temperature = float32(toFloat(v))
		case "top_p":
			req.TopP = float32(toFloat(v))
		case "max_tokens":
			req.MaxTokens = int(toFloat(v))
		case "presence_penalty":
			req.PresencePenalty = float32(toFloat(v))
		case "frequency_penalty":
			req.FrequencyPenalty = float32(toFloat(v))
		case "seed":
			seed := int(toFloat(v))
			req.Seed = &seed
		case "stop":
			if s, ok := v.(string); ok {
				req.Stop = []string{s}
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
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func (a *Adapter) generateOnce(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, names []string, onChunk func(types.Content) error) error {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return mapError(err)
	}
	if len(resp.Choices) == 0 {
		return llmerr.New(llmerr.KindBadUpstream, providerName, "response has no choices")
	}
	choice := resp.Choices[0]

	content := types.Content{Speaker: types.SpeakerAI}
	if choice.Message.ReasoningContent != "" {
		content.Blocks = append(content.Blocks, types.ThinkingBlock(choice.Message.ReasoningContent))
	}
	if choice.Message.Content != "" {
		content.Blocks = append(content.Blocks, types.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		content.Blocks = append(content.Blocks, toolCallBlock(toolcall.Call{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			Args:    toolcall.ParseArgs(tc.Function.Arguments),
			RawArgs: tc.Function.Arguments,
		}, names))
	}
	raw, _ := json.Marshal(resp.Usage)
	return onChunk(content.WithUsage(provider.NormalizeUsage(raw)))
}

func (a *Adapter) generateStream(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, names []string, onChunk func(types.Content) error) error {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return mapError(err)
	}
	defer stream.Close()

	acc := toolcall.NewAccumulator()
	var usage types.Usage
	sawText := false

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var apiErr *openai.APIError
			var reqErr *openai.RequestError
			if errors.As(err, &apiErr) || errors.As(err, &reqErr) || errors.Is(err, context.Canceled) {
				return mapError(err)
			}
			// The stream died after it was established; the whole call is
			// re-attempted by the envelope above.
			return llmerr.Wrap(llmerr.KindStreamInterrupted, providerName, "stream dropped mid-response", err)
		}

		if chunk.Usage != nil {
			raw, _ := json.Marshal(chunk.Usage)
			usage = provider.NormalizeUsage(raw)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			c := types.Content{Speaker: types.SpeakerAI, Blocks: []types.Block{types.ThinkingBlock(delta.ReasoningContent)}}
			if err := onChunk(c); err != nil {
				return err
			}
		}
		if delta.Content != "" {
			sawText = true
			if err := onChunk(types.NewText(types.SpeakerAI, delta.Content)); err != nil {
				return err
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc.Add(toolcall.Fragment{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				ArgsChunk: tc.Function.Arguments,
			})
		}
	}

	final := types.Content{Speaker: types.SpeakerAI}
	for _, call := range acc.Finalize() {
		final.Blocks = append(final.Blocks, toolCallBlock(call, names))
	}
	if len(final.Blocks) == 0 && !sawText {
		return llmerr.New(llmerr.KindBadUpstream, providerName, "stream ended with no content")
	}
	return onChunk(final.WithUsage(usage))
}

// toolCallBlock normalizes a finalized stream call into a history block,
// canonical ID included. Streamed names are validated against the declared
// tools; an unmatched name becomes the sentinel so the call still surfaces.
func toolCallBlock(call toolcall.Call, available []string) types.Block {
	if len(available) > 0 {
		call.Name = toolcall.ValidateName(call.Name, available).CorrectedName
	}
	params, err := json.Marshal(call.Args)
	if err != nil {
		params = []byte("{}")
	}
	return types.ToolCallBlock(toolid.ToHistory(call.ID), call.Name, params)
}

// Models lists what the endpoint serves. Compatible servers implement
// /models with varying fidelity, so failures surface as-is for the retry
// envelope to judge.
func (a *Adapter) Models(ctx context.Context, call provider.ResolvedCall) ([]provider.Model, error) {
	list, err := a.client(call).ListModels(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]provider.Model, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, provider.Model{ID: m.ID})
	}
	return out, nil
}

// mapError folds SDK errors into the shared taxonomy.
func mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := llmerr.FromStatus(providerName, apiErr.HTTPStatusCode, apiErr.Message)
		e.Err = err
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := llmerr.FromStatus(providerName, reqErr.HTTPStatusCode, reqErr.Error())
		e.Err = err
		return e
	}
	return llmerr.Wrap(llmerr.KindOf(err), providerName, "request failed", err)
}
