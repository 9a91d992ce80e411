// Package gemini implements the Gemini adapter over the generative
// language REST API, with an OAuth code-assist path for accounts without
// an API key. There is no official Go SDK in use here; the wire format is
// small enough that a hand-rolled client over SSE is simpler than an SDK
// dependency.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/llxprt/llxprt/internal/auth"
	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/provider"
	"github.com/llxprt/llxprt/internal/toolid"
	"github.com/llxprt/llxprt/internal/types"
)

const (
	providerName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com"

	// codeAssistBase serves OAuth accounts without an API key.
	codeAssistBase = "https://cloudcode-pa.googleapis.com/v1internal"
)

// Server-side tool names. These execute on Google's side and are always
// declared so the model can ground answers and fetch URLs.
const (
	ServerToolWebSearch = "web_search"
	ServerToolWebFetch  = "web_fetch"
)

// Adapter talks the Gemini REST API.
type Adapter struct {
	httpClient *http.Client
	tokens     *auth.TokenStore
}

// New builds the adapter. tokens may be nil when OAuth is not configured.
func New(tokens *auth.TokenStore) *Adapter {
	return &Adapter{httpClient: &http.Client{}, tokens: tokens}
}

func (a *Adapter) Name() string         { return providerName }
func (a *Adapter) DefaultModel() string { return "gemini-2.5-pro" }
func (a *Adapter) ToolFormat() string   { return provider.ToolFormatGemini }
func (a *Adapter) SupportsOAuth() bool  { return true }

// IsAuthenticated accepts an explicit API key or a live stored OAuth token.
func (a *Adapter) IsAuthenticated(call provider.ResolvedCall) bool {
	if call.AuthToken != "" {
		return true
	}
	if a.tokens == nil {
		return false
	}
	tok, err := a.tokens.Load(providerName)
	return err == nil && tok != nil && !tok.Expired()
}

// Wire shapes.

type wireRequest struct {
	Contents          []wireContent     `json:"contents"`
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	Tools             []wireTool        `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type wireTool struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}      `json:"google_search,omitempty"`
	URLContext           *struct{}      `json:"url_context,omitempty"`
}

type functionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

func buildRequest(req *provider.Request) wireRequest {
	wire := wireRequest{
		Contents: convertHistory(req.Contents),
		Tools:    convertTools(req.Tools),
	}
	if req.System != "" {
		wire.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.System}}}
	}
	if cfg := buildGenerationConfig(req.Resolved.Params); cfg != nil {
		wire.GenerationConfig = cfg
	}
	return wire
}

// convertHistory maps speakers to Gemini roles. Gemini has no tool-call
// IDs; pairing is by function name and ordering, so responses carry the
// tool name.
func convertHistory(contents []types.Content) []wireContent {
	var out []wireContent
	for _, c := range contents {
		switch c.Speaker {
		case types.SpeakerHuman, types.SpeakerSystem:
			if parts := userParts(c); len(parts) > 0 {
				out = append(out, wireContent{Role: "user", Parts: parts})
			}
		case types.SpeakerAI:
			if parts := modelParts(c); len(parts) > 0 {
				out = append(out, wireContent{Role: "model", Parts: parts})
			}
		case types.SpeakerTool:
			var parts []wirePart
			for _, b := range c.Blocks {
				if b.Type != types.BlockToolResponse {
					continue
				}
				parts = append(parts, wirePart{FunctionResponse: &functionResponse{
					Name:     b.ToolName,
					Response: responsePayload(b),
				}})
			}
			if len(parts) > 0 {
				out = append(out, wireContent{Role: "user", Parts: parts})
			}
		}
	}
	return out
}

func userParts(c types.Content) []wirePart {
	var parts []wirePart
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			parts = append(parts, wirePart{Text: b.Text})
		case types.BlockMedia:
			if b.Encoding == types.EncodingBase64 {
				parts = append(parts, wirePart{InlineData: &inlineData{MimeType: b.MimeType, Data: b.Data}})
			}
		}
	}
	return parts
}

func modelParts(c types.Content) []wirePart {
	var parts []wirePart
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			parts = append(parts, wirePart{Text: b.Text})
		case types.BlockToolCall:
			var args map[string]any
			if len(b.Parameters) > 0 {
				_ = json.Unmarshal(b.Parameters, &args)
			}
			parts = append(parts, wirePart{FunctionCall: &functionCall{Name: b.Name, Args: args}})
		}
	}
	return parts
}

func responsePayload(b types.Block) map[string]any {
	if b.Error != "" {
		return map[string]any{"error": b.Error}
	}
	var parsed any
	if err := json.Unmarshal(b.Result, &parsed); err == nil {
		if m, ok := parsed.(map[string]any); ok {
			return m
		}
		return map[string]any{"result": parsed}
	}
	return map[string]any{"result": string(b.Result)}
}

// convertTools declares client functions plus the server tools, which are
// always available.
func convertTools(tools []types.ToolDefinition) []wireTool {
	var decls []functionDecl
	for _, t := range tools {
		if t.Name == ServerToolWebSearch || t.Name == ServerToolWebFetch {
			continue
		}
		decls = append(decls, functionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	out := []wireTool{
		{GoogleSearch: &struct{}{}},
		{URLContext: &struct{}{}},
	}
	if len(decls) > 0 {
		out = append(out, wireTool{FunctionDeclarations: decls})
	}
	return out
}

func buildGenerationConfig(params map[string]any) *generationConfig {
	if len(params) == 0 {
		return nil
	}
	cfg := &generationConfig{}
	set := false
	for k, v := range params {
		switch k {
		case "max_tokens", "max-output-tokens":
			cfg.MaxOutputTokens = int(toFloat(v))
			set = true
		case "temperature":
			f := toFloat(v)
			cfg.Temperature = &f
			set = true
		case "top_p":
			f := toFloat(v)
			cfg.TopP = &f
			set = true
		}
	}
	if !set {
		return nil
	}
	return cfg
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

// Generate runs one call. An API key uses the public endpoint; without
// one a stored OAuth token routes through the code-assist backend.
func (a *Adapter) Generate(ctx context.Context, req *provider.Request, onChunk func(types.Content) error) error {
	wire := buildRequest(req)
	if req.Resolved.AuthToken != "" {
		return a.generateAPIKey(ctx, req, wire, onChunk)
	}
	return a.generateOAuth(ctx, req, wire, onChunk)
}

func (a *Adapter) baseURL(call provider.ResolvedCall) string {
	if call.BaseURL != "" {
		return strings.TrimSuffix(call.BaseURL, "/")
	}
	return defaultBaseURL
}

func (a *Adapter) generateAPIKey(ctx context.Context, req *provider.Request, wire wireRequest, onChunk func(types.Content) error) error {
	verb := ":generateContent"
	if req.Resolved.Streaming {
		verb = ":streamGenerateContent?alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s%s", a.baseURL(req.Resolved), req.Resolved.Model, verb)

	resp, err := a.post(ctx, url, wire, map[string]string{"x-goog-api-key": req.Resolved.AuthToken}, req.Resolved.Headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.HTTPError(providerName, resp)
	}
	if req.Resolved.Streaming {
		return a.consumeStream(resp.Body, onChunk)
	}
	return a.consumeOnce(resp.Body, onChunk)
}

// codeAssistRequest wraps the standard request for the OAuth backend.
// The session ID embeds the runtime ID so concurrent runtimes never share
// server-side conversation state.
type codeAssistRequest struct {
	Model     string      `json:"model"`
	Project   string      `json:"project,omitempty"`
	Request   wireRequest `json:"request"`
	SessionID string      `json:"session_id"`
}

func (a *Adapter) generateOAuth(ctx context.Context, req *provider.Request, wire wireRequest, onChunk func(types.Content) error) error {
	if a.tokens == nil {
		return llmerr.New(llmerr.KindAuthentication, providerName, "no API key and no OAuth token store")
	}
	tok, err := a.tokens.Load(providerName)
	if err != nil {
		return err
	}
	if tok == nil {
		return llmerr.New(llmerr.KindAuthentication, providerName, "no API key and no stored OAuth token; run the oauth login flow")
	}
	if tok.Expired() {
		return llmerr.New(llmerr.KindAuthentication, providerName, "stored OAuth token is expired; run the oauth login flow")
	}

	body := codeAssistRequest{
		Model:     req.Resolved.Model,
		Project:   tok.ProjectID,
		Request:   wire,
		SessionID: sessionID(req.Runtime),
	}
	verb := ":generateContent"
	if req.Resolved.Streaming {
		verb = ":streamGenerateContent?alt=sse"
	}
	resp, err := a.post(ctx, codeAssistBase+verb, body,
		map[string]string{"Authorization": "Bearer " + tok.AccessToken}, req.Resolved.Headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.HTTPError(providerName, resp)
	}
	if req.Resolved.Streaming {
		return a.consumeStream(resp.Body, onChunk)
	}
	return a.consumeOnce(resp.Body, onChunk)
}

// sessionID derives the code-assist session from the runtime so each
// runtime gets its own server-side session.
func sessionID(rt provider.RuntimeContext) string {
	if rt.ID == "" {
		return "llxprt-" + uuid.NewString()
	}
	return "llxprt-" + rt.ID
}

func (a *Adapter) post(ctx context.Context, url string, body any, authHeaders map[string]string, extra map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindConfiguration, providerName, "bad endpoint", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range authHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range extra {
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

// Response shapes. The code-assist backend wraps each chunk in a
// "response" envelope; the public API does not.

type wireChunk struct {
	Response   *wireChunk      `json:"response,omitempty"`
	Candidates []wireCandidate `json:"candidates"`
	Usage      json.RawMessage `json:"usageMetadata"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
}

func (c *wireChunk) unwrap() *wireChunk {
	if c.Response != nil {
		return c.Response
	}
	return c
}

func (a *Adapter) consumeStream(body io.Reader, onChunk func(types.Content) error) error {
	var usage types.Usage
	finished := false
	var pendingCalls []wirePart

	err := provider.ReadSSE(body, func(ev provider.SSEEvent) error {
		var chunk wireChunk
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			return nil
		}
		c := chunk.unwrap()
		if len(c.Usage) > 0 {
			usage = provider.NormalizeUsage(c.Usage)
		}
		if len(c.Candidates) == 0 {
			return nil
		}
		cand := c.Candidates[0]
		if cand.FinishReason != "" {
			finished = true
		}
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				pendingCalls = append(pendingCalls, part)
			case part.Text != "" && part.Thought:
				tc := types.Content{Speaker: types.SpeakerAI, Blocks: []types.Block{types.ThinkingBlock(part.Text)}}
				if err := onChunk(tc); err != nil {
					return err
				}
			case part.Text != "":
				if err := onChunk(types.NewText(types.SpeakerAI, part.Text)); err != nil {
					return err
				}
			}
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
	if !finished {
		return llmerr.New(llmerr.KindStreamInterrupted, providerName, "stream ended before completion")
	}
	return onChunk(finalContent(pendingCalls, usage))
}

func (a *Adapter) consumeOnce(body io.Reader, onChunk func(types.Content) error) error {
	var chunk wireChunk
	if err := json.NewDecoder(body).Decode(&chunk); err != nil {
		return llmerr.Wrap(llmerr.KindBadUpstream, providerName, "response is not valid JSON", err)
	}
	c := chunk.unwrap()
	if len(c.Candidates) == 0 {
		return llmerr.New(llmerr.KindBadUpstream, providerName, "response has no candidates")
	}

	content := types.Content{Speaker: types.SpeakerAI}
	var calls []wirePart
	for _, part := range c.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			calls = append(calls, part)
		case part.Text != "" && part.Thought:
			content.Blocks = append(content.Blocks, types.ThinkingBlock(part.Text))
		case part.Text != "":
			content.Blocks = append(content.Blocks, types.TextBlock(part.Text))
		}
	}
	final := finalContent(calls, provider.NormalizeUsage(c.Usage))
	content.Blocks = append(content.Blocks, final.Blocks...)
	content.Metadata = final.Metadata
	return onChunk(content)
}

// finalContent mints history IDs for function calls; Gemini has none of
// its own.
func finalContent(calls []wirePart, usage types.Usage) types.Content {
	final := types.Content{Speaker: types.SpeakerAI}
	for _, part := range calls {
		args := part.FunctionCall.Args
		params, err := json.Marshal(args)
		if err != nil || args == nil {
			params = []byte("{}")
		}
		id := toolid.ToHistory(strings.ReplaceAll(uuid.NewString(), "-", ""))
		final.Blocks = append(final.Blocks, types.ToolCallBlock(id, part.FunctionCall.Name, params))
	}
	if len(final.Blocks) > 0 {
		L_debug("gemini: function calls received", "count", len(final.Blocks))
	}
	return final.WithUsage(usage)
}

// Models lists the generative models the key can use.
func (a *Adapter) Models(ctx context.Context, call provider.ResolvedCall) ([]provider.Model, error) {
	url := a.baseURL(call) + "/v1beta/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindConfiguration, providerName, "bad endpoint", err)
	}
	if call.AuthToken != "" {
		httpReq.Header.Set("x-goog-api-key", call.AuthToken)
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
		Models []struct {
			Name             string `json:"name"`
			InputTokenLimit  int    `json:"inputTokenLimit"`
			OutputTokenLimit int    `json:"outputTokenLimit"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, llmerr.Wrap(llmerr.KindBadUpstream, providerName, "model list is not valid JSON", err)
	}
	out := make([]provider.Model, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, provider.Model{
			ID:            strings.TrimPrefix(m.Name, "models/"),
			ContextWindow: m.InputTokenLimit,
			MaxOutput:     m.OutputTokenLimit,
		})
	}
	return out, nil
}
