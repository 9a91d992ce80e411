package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/llxprt/llxprt/internal/provider"
	"github.com/llxprt/llxprt/internal/types"
)

func TestBuildParamsDefaults(t *testing.T) {
	req := &provider.Request{
		Contents: []types.Content{types.NewText(types.SpeakerHuman, "hi")},
		System:   "be brief",
		Resolved: provider.ResolvedCall{Model: "claude-sonnet-4-5"},
	}
	params := buildParams(req)

	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want default; the API requires one", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Errorf("system = %+v", params.System)
	}
	if string(params.Model) != "claude-sonnet-4-5" {
		t.Errorf("model = %s", params.Model)
	}
}

func TestBuildParamsOverrides(t *testing.T) {
	req := &provider.Request{
		Contents: []types.Content{types.NewText(types.SpeakerHuman, "hi")},
		Resolved: provider.ResolvedCall{
			Model:  "claude-opus-4-5",
			Params: map[string]any{"max_tokens": 1024, "temperature": 0.3},
		},
	}
	params := buildParams(req)
	if params.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", params.MaxTokens)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.3 {
		t.Errorf("temperature = %+v", params.Temperature)
	}
}

func TestConvertMessagesToolPairing(t *testing.T) {
	contents := []types.Content{
		{Speaker: types.SpeakerAI, Blocks: []types.Block{
			types.TextBlock("checking"),
			types.ToolCallBlock("hist_tool_abc", "grep", json.RawMessage(`{"q":"x"}`)),
		}},
		{Speaker: types.SpeakerTool, Blocks: []types.Block{
			types.ToolResponseBlock("hist_tool_abc", "grep", json.RawMessage(`"found"`)),
		}},
	}
	msgs := convertMessages(contents)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}

	assistant := msgs[0]
	if len(assistant.Content) != 2 {
		t.Fatalf("assistant blocks = %d", len(assistant.Content))
	}
	toolUse := assistant.Content[1].OfToolUse
	if toolUse == nil || toolUse.ID != "toolu_abc" || toolUse.Name != "grep" {
		t.Errorf("tool_use = %+v", toolUse)
	}

	result := msgs[1].Content[0].OfToolResult
	if result == nil || result.ToolUseID != "toolu_abc" {
		t.Errorf("tool_result = %+v", result)
	}
}

func TestConvertMessagesSkipsEmptyTurns(t *testing.T) {
	contents := []types.Content{
		{Speaker: types.SpeakerAI, Blocks: nil},
		types.NewText(types.SpeakerHuman, "hi"),
	}
	msgs := convertMessages(contents)
	if len(msgs) != 1 {
		t.Errorf("messages = %d, empty assistant turn should be skipped", len(msgs))
	}
}

func TestConvertToolsSchema(t *testing.T) {
	tools := convertTools([]types.ToolDefinition{{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
		},
	}})
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	p := tools[0].OfTool
	if p.Name != "read_file" || !p.Description.Valid() {
		t.Errorf("tool = %+v", p)
	}
	if p.InputSchema.Properties == nil {
		t.Error("schema properties dropped")
	}
}

func TestGenerateOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "sk-ant-test" {
			t.Errorf("api key header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-sonnet-4-5", "stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "let me look"},
				{"type": "tool_use", "id": "toolu_xyz", "name": "grep", "input": {"q": "foo"}}
			],
			"usage": {"input_tokens": 12, "output_tokens": 7, "cache_read_input_tokens": 4, "cache_creation_input_tokens": 2}
		}`)
	}))
	defer srv.Close()

	a := New()
	req := &provider.Request{
		Contents: []types.Content{types.NewText(types.SpeakerHuman, "find foo")},
		Resolved: provider.ResolvedCall{
			Model:     "claude-sonnet-4-5",
			BaseURL:   srv.URL,
			AuthToken: "sk-ant-test",
			Streaming: false,
		},
	}

	var chunks []types.Content
	if err := a.Generate(context.Background(), req, func(c types.Content) error {
		chunks = append(chunks, c)
		return nil
	}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	merged := provider.Assemble(chunks)
	if len(merged) != 1 {
		t.Fatalf("merged = %d", len(merged))
	}
	if merged[0].TextContent() != "let me look" {
		t.Errorf("text = %q", merged[0].TextContent())
	}
	calls := merged[0].ToolCalls()
	if len(calls) != 1 || calls[0].ID != "hist_tool_xyz" || calls[0].Name != "grep" {
		t.Errorf("calls = %+v", calls)
	}
	u, _ := merged[0].Metadata[types.MetaUsage].(types.Usage)
	if u.PromptTokens != 12 || u.CompletionTokens != 7 || u.CachedTokens != 4 || u.CacheCreationTokens != 2 {
		t.Errorf("usage = %+v", u)
	}
}
