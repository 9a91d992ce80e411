// Package responses implements the OpenAI Responses API adapter, including
// the Codex backend variant served at chatgpt.com/backend-api/codex. The
// wire protocol differs enough from Chat Completions to warrant its own
// conversion layer: input is a flat item list, tool calls and outputs are
// top-level items, and streaming uses named SSE events.
package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/llxprt/llxprt/internal/auth"
	"github.com/llxprt/llxprt/internal/history"
	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/provider"
	"github.com/llxprt/llxprt/internal/toolcall"
	"github.com/llxprt/llxprt/internal/toolid"
	"github.com/llxprt/llxprt/internal/types"
)

const (
	providerName   = "responses"
	defaultBaseURL = "https://api.openai.com/v1"

	// codexMarker identifies the ChatGPT Codex backend, which accepts a
	// restricted dialect of the Responses API.
	codexMarker = "chatgpt.com/backend-api/codex"
)

// Adapter talks the Responses API.
type Adapter struct {
	httpClient *http.Client
}

// New builds the adapter.
func New() *Adapter {
	return &Adapter{httpClient: &http.Client{}}
}

func (a *Adapter) Name() string         { return providerName }
func (a *Adapter) DefaultModel() string { return "gpt-5" }
func (a *Adapter) ToolFormat() string   { return provider.ToolFormatOpenAI }
func (a *Adapter) SupportsOAuth() bool  { return true }

func (a *Adapter) IsAuthenticated(call provider.ResolvedCall) bool {
	return call.AuthToken != ""
}

// Wire shapes.

type wireRequest struct {
	Model           string         `json:"model"`
	Instructions    string         `json:"instructions,omitempty"`
	Input           []wireItem     `json:"input"`
	Tools           []wireTool     `json:"tools,omitempty"`
	Stream          bool           `json:"stream"`
	Store           *bool          `json:"store,omitempty"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	Reasoning       *wireReasoning `json:"reasoning,omitempty"`
}

type wireReasoning struct {
	Effort string `json:"effort,omitempty"`
}

type wireItem struct {
	Type      string     `json:"type"`
	Role      string     `json:"role,omitempty"`
	Content   []wirePart `json:"content,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	Name      string     `json:"name,omitempty"`
	Arguments string     `json:"arguments,omitempty"`
	Output    string     `json:"output,omitempty"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// isCodex reports whether the call targets the Codex backend.
func isCodex(baseURL string) bool {
	return strings.Contains(baseURL, codexMarker)
}

func (a *Adapter) baseURL(call provider.ResolvedCall) string {
	if call.BaseURL != "" {
		return strings.TrimSuffix(call.BaseURL, "/")
	}
	return defaultBaseURL
}

// buildRequest converts a neutral request to the Responses dialect. The
// call-level system prompt travels in instructions; system turns from the
// history stay in input[] as role:system items, except in Codex mode where
// they are hoisted into instructions too because the backend rejects
// system items.
func buildRequest(req *provider.Request, codex bool) wireRequest {
	contents, dropped := history.DropOrphanResponses(req.Contents)
	if dropped > 0 {
		L_debug("responses: dropped orphan tool responses", "count", dropped)
	}

	items, systemTexts := convertHistory(contents, codex)
	instructions := req.System
	for _, s := range systemTexts {
		if instructions != "" {
			instructions += "\n\n"
		}
		instructions += s
	}

	wire := wireRequest{
		Model:        req.Resolved.Model,
		Instructions: instructions,
		Input:        items,
		Tools:        convertTools(req.Tools),
		Stream:       req.Resolved.Streaming,
	}
	applyParams(&wire, req.Resolved.Params)

	if codex {
		// The Codex backend rejects stored responses and client-set output
		// caps.
		f := false
		wire.Store = &f
		wire.MaxOutputTokens = 0
	}
	return wire
}

// convertHistory maps the neutral history to input items. In Codex mode
// system turns come back as raw text for the instructions field instead of
// items.
func convertHistory(contents []types.Content, codex bool) ([]wireItem, []string) {
	var items []wireItem
	var systemTexts []string
	for _, c := range contents {
		switch c.Speaker {
		case types.SpeakerSystem:
			text := c.TextContent()
			if text == "" {
				continue
			}
			if codex {
				systemTexts = append(systemTexts, text)
				continue
			}
			items = append(items, wireItem{
				Type:    "message",
				Role:    "system",
				Content: []wirePart{{Type: "input_text", Text: text}},
			})
		case types.SpeakerHuman:
			if item, ok := userItem(c); ok {
				items = append(items, item)
			}
		case types.SpeakerAI:
			items = append(items, assistantItems(c)...)
		case types.SpeakerTool:
			for _, b := range c.Blocks {
				if b.Type != types.BlockToolResponse {
					continue
				}
				items = append(items, wireItem{
					Type:   "function_call_output",
					CallID: toolid.ToOpenAI(b.CallID),
					Output: toolResultText(b),
				})
			}
		}
	}
	return items, systemTexts
}

func userItem(c types.Content) (wireItem, bool) {
	var parts []wirePart
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			parts = append(parts, wirePart{Type: "input_text", Text: b.Text})
		case types.BlockMedia:
			url := b.Data
			if b.Encoding != types.EncodingURL {
				url = fmt.Sprintf("data:%s;base64,%s", b.MimeType, b.Data)
			}
			parts = append(parts, wirePart{Type: "input_image", ImageURL: url})
		}
	}
	if len(parts) == 0 {
		return wireItem{}, false
	}
	return wireItem{Type: "message", Role: "user", Content: parts}, true
}

func assistantItems(c types.Content) []wireItem {
	var items []wireItem
	var text string
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			text += b.Text
		case types.BlockToolCall:
			args := string(b.Parameters)
			if args == "" {
				args = "{}"
			}
			items = append(items, wireItem{
				Type:      "function_call",
				CallID:    toolid.ToOpenAI(b.ID),
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	if text != "" {
		items = append([]wireItem{{
			Type:    "message",
			Role:    "assistant",
			Content: []wirePart{{Type: "output_text", Text: text}},
		}}, items...)
	}
	return items
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

func convertTools(tools []types.ToolDefinition) []wireTool {
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}

func applyParams(wire *wireRequest, params map[string]any) {
	for k, v := range params {
		switch k {
		case "temperature":
			f := toFloat(v)
			wire.Temperature = &f
		case "top_p":
			f := toFloat(v)
			wire.TopP = &f
		case "max_tokens", "max_output_tokens":
			wire.MaxOutputTokens = int(toFloat(v))
		case "reasoning-effort":
			if s, ok := v.(string); ok {
				wire.Reasoning = &wireReasoning{Effort: s}
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

// Generate runs one call against the Responses endpoint.
func (a *Adapter) Generate(ctx context.Context, req *provider.Request, onChunk func(types.Content) error) error {
	codex := isCodex(a.baseURL(req.Resolved))
	wire := buildRequest(req, codex)

	resp, err := a.post(ctx, req.Resolved, "/responses", wire, codex)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.HTTPError(providerName, resp)
	}
	names := toolNames(req.Tools)
	if wire.Stream {
		return a.consumeStream(resp.Body, names, onChunk)
	}
	return a.consumeOnce(resp.Body, names, onChunk)
}

func toolNames(tools []types.ToolDefinition) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

func (a *Adapter) post(ctx context.Context, call provider.ResolvedCall, path string, body any, codex bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL(call)+path, bytes.NewReader(payload))
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindConfiguration, providerName, "bad endpoint", err)
	}

	// The Codex backend rejects a charset suffix on the content type.
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if call.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+call.AuthToken)
	}
	if codex {
		httpReq.Header.Set("originator", "codex_cli_rs")
		if account := auth.ChatGPTAccountID(call.AuthToken); account != "" {
			httpReq.Header.Set("ChatGPT-Account-ID", account)
		}
	}
	for k, v := range call.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, llmerr.Wrap(llmerr.KindCancelled, providerName, "", err)
		}
		return nil, llmerr.Wrap(llmerr.KindOf(err), providerName, "request failed", err)
	}
	return resp, nil
}

// Stream event payloads.

type streamEvent struct {
	Type        string          `json:"type"`
	Delta       string          `json:"delta"`
	OutputIndex int             `json:"output_index"`
	Item        *streamItem     `json:"item"`
	Response    *streamResponse `json:"response"`
}

type streamItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

type streamResponse struct {
	Usage json.RawMessage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) consumeStream(body io.Reader, names []string, onChunk func(types.Content) error) error {
	acc := toolcall.NewAccumulator()
	var usage types.Usage
	completed := false

	err := provider.ReadSSE(body, func(ev provider.SSEEvent) error {
		if bytes.Equal(ev.Data, []byte("[DONE]")) {
			completed = true
			return io.EOF
		}
		var e streamEvent
		if err := json.Unmarshal(ev.Data, &e); err != nil {
			// Unknown or malformed events are skipped; the protocol grows
			// event types regularly.
			return nil
		}
		if e.Type == "" {
			e.Type = ev.Event
		}

		switch e.Type {
		case "response.output_text.delta":
			if e.Delta == "" {
				return nil
			}
			return onChunk(types.NewText(types.SpeakerAI, e.Delta))
		case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
			if e.Delta == "" {
				return nil
			}
			return onChunk(types.Content{
				Speaker: types.SpeakerAI,
				Blocks:  []types.Block{types.ThinkingBlock(e.Delta)},
			})
		case "response.output_item.added":
			if e.Item != nil && e.Item.Type == "function_call" {
				acc.Add(toolcall.Fragment{Index: e.OutputIndex, ID: e.Item.CallID, Name: e.Item.Name})
			}
		case "response.function_call_arguments.delta":
			acc.Add(toolcall.Fragment{Index: e.OutputIndex, ArgsChunk: e.Delta})
		case "response.completed":
			completed = true
			if e.Response != nil && len(e.Response.Usage) > 0 {
				usage = provider.NormalizeUsage(e.Response.Usage)
			}
			return io.EOF
		case "response.failed", "error":
			msg := "response failed"
			if e.Response != nil && e.Response.Error != nil {
				msg = e.Response.Error.Message
			}
			return llmerr.New(llmerr.KindBadUpstream, providerName, msg)
		}
		return nil
	})
	if err != nil {
		var ce *llmerr.CallError
		if errors.As(err, &ce) {
			return err
		}
		return llmerr.Wrap(llmerr.KindStreamInterrupted, providerName, "stream dropped mid-response", err)
	}
	if !completed {
		return llmerr.New(llmerr.KindStreamInterrupted, providerName, "stream ended before completion")
	}

	final := types.Content{Speaker: types.SpeakerAI}
	for _, call := range acc.Finalize() {
		final.Blocks = append(final.Blocks, toolCallBlock(call, names))
	}
	return onChunk(final.WithUsage(usage))
}

// onceResponse is the non-streaming response document.
type onceResponse struct {
	Output []struct {
		Type    string `json:"type"`
		CallID  string `json:"call_id"`
		Name    string `json:"name"`
		Args    string `json:"arguments"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage json.RawMessage `json:"usage"`
}

func (a *Adapter) consumeOnce(body io.Reader, names []string, onChunk func(types.Content) error) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return llmerr.Wrap(llmerr.KindStreamInterrupted, providerName, "reading response", err)
	}
	var doc onceResponse
	if err := json.Unmarshal(data, &doc); err != nil {
		return llmerr.Wrap(llmerr.KindBadUpstream, providerName, "response is not valid JSON", err)
	}

	content := types.Content{Speaker: types.SpeakerAI}
	for _, item := range doc.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					content.Blocks = append(content.Blocks, types.TextBlock(part.Text))
				}
			}
		case "function_call":
			content.Blocks = append(content.Blocks, toolCallBlock(toolcall.Call{
				ID:      item.CallID,
				Name:    item.Name,
				Args:    toolcall.ParseArgs(item.Args),
				RawArgs: item.Args,
			}, names))
		}
	}
	if len(content.Blocks) == 0 {
		return llmerr.New(llmerr.KindBadUpstream, providerName, "response has no output")
	}
	return onChunk(content.WithUsage(provider.NormalizeUsage(doc.Usage)))
}

// toolCallBlock normalizes a finalized call into a history block. Streamed
// names are validated against the declared tools; an unmatched name becomes
// the sentinel so the call still surfaces.
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

// Models lists the endpoint's models. The Codex backend has no listing
// endpoint, so the default model is reported there.
func (a *Adapter) Models(ctx context.Context, call provider.ResolvedCall) ([]provider.Model, error) {
	if isCodex(a.baseURL(call)) {
		return []provider.Model{{ID: a.DefaultModel()}}, nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL(call)+"/models", nil)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindConfiguration, providerName, "bad endpoint", err)
	}
	if call.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+call.AuthToken)
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindOf(err), providerName, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, provider.HTTPError(providerName, resp)
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, llmerr.Wrap(llmerr.KindBadUpstream, providerName, "model list is not valid JSON", err)
	}
	out := make([]provider.Model, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, provider.Model{ID: m.ID})
	}
	return out, nil
}
