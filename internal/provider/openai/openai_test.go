package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/llxprt/llxprt/internal/history"
	"github.com/llxprt/llxprt/internal/llmerr"
	"github.com/llxprt/llxprt/internal/provider"
	"github.com/llxprt/llxprt/internal/toolcall"
	"github.com/llxprt/llxprt/internal/types"
)

func TestConvertHistoryRolesAndSystem(t *testing.T) {
	contents := []types.Content{
		types.NewText(types.SpeakerHuman, "hello"),
		types.NewText(types.SpeakerAI, "hi there"),
	}
	msgs := convertHistory(contents, "be terse")

	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be terse" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != openai.ChatMessageRoleUser || msgs[2].Role != openai.ChatMessageRoleAssistant {
		t.Errorf("roles = %s, %s", msgs[1].Role, msgs[2].Role)
	}
}

func TestConvertHistoryToolCallPairing(t *testing.T) {
	contents := []types.Content{
		{Speaker: types.SpeakerAI, Blocks: []types.Block{
			types.ToolCallBlock("hist_tool_abc", "read_file", json.RawMessage(`{"path":"x"}`)),
		}},
		{Speaker: types.SpeakerTool, Blocks: []types.Block{
			types.ToolResponseBlock("hist_tool_abc", "read_file", json.RawMessage(`"contents"`)),
		}},
	}
	msgs := convertHistory(contents, "")

	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	call := msgs[0].ToolCalls[0]
	if call.ID != "call_abc" {
		t.Errorf("call id = %q, want wire form", call.ID)
	}
	if call.Function.Name != "read_file" || call.Function.Arguments != `{"path":"x"}` {
		t.Errorf("function = %+v", call.Function)
	}
	if msgs[1].Role != openai.ChatMessageRoleTool || msgs[1].ToolCallID != "call_abc" {
		t.Errorf("tool message = %+v", msgs[1])
	}
	if msgs[1].Content != "contents" {
		t.Errorf("result should unwrap JSON string: %q", msgs[1].Content)
	}
}

func TestConvertHistoryMediaBecomesMultiContent(t *testing.T) {
	contents := []types.Content{
		{Speaker: types.SpeakerHuman, Blocks: []types.Block{
			types.TextBlock("what is this"),
			types.MediaBlock("image/png", "AAAA", types.EncodingBase64),
		}},
	}
	msgs := convertHistory(contents, "")
	if len(msgs[0].MultiContent) != 2 {
		t.Fatalf("parts = %d", len(msgs[0].MultiContent))
	}
	img := msgs[0].MultiContent[1]
	if img.Type != openai.ChatMessagePartTypeImageURL {
		t.Errorf("part type = %q", img.Type)
	}
	if img.ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Errorf("url = %q", img.ImageURL.URL)
	}
}

func TestConvertHistoryURLMediaPassesThrough(t *testing.T) {
	contents := []types.Content{
		{Speaker: types.SpeakerHuman, Blocks: []types.Block{
			types.MediaBlock("image/jpeg", "https://example.com/a.jpg", types.EncodingURL),
		}},
	}
	msgs := convertHistory(contents, "")
	if got := msgs[0].MultiContent[0].ImageURL.URL; got != "https://example.com/a.jpg" {
		t.Errorf("url = %q", got)
	}
}

func TestBuildRequestDropsOrphanResponses(t *testing.T) {
	a := New()
	wireReq, err := a.buildRequest(&provider.Request{
		Contents: []types.Content{
			types.NewText(types.SpeakerHuman, "hi"),
			{Speaker: types.SpeakerTool, Blocks: []types.Block{
				types.ToolResponseBlock("hist_tool_ghost", "ls", json.RawMessage(`"x"`)),
			}},
		},
		Resolved: provider.ResolvedCall{Model: "gpt-4o"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range wireReq.Messages {
		if m.Role == openai.ChatMessageRoleTool {
			t.Errorf("orphan tool response survived: %+v", m)
		}
	}
	if wireReq.Model != "gpt-4o" {
		t.Errorf("model = %q", wireReq.Model)
	}
}

func TestConvertHistoryRepairedOrphanText(t *testing.T) {
	contents := history.RepairToolCalls([]types.Content{
		types.NewText(types.SpeakerHuman, "go"),
		{Speaker: types.SpeakerAI, Blocks: []types.Block{
			types.ToolCallBlock("hist_tool_abc", "read_file", json.RawMessage(`{}`)),
		}},
	})
	msgs := convertHistory(contents, "")

	var toolMsg *openai.ChatCompletionMessage
	for i := range msgs {
		if msgs[i].Role == openai.ChatMessageRoleTool {
			toolMsg = &msgs[i]
		}
	}
	if toolMsg == nil {
		t.Fatalf("no tool message in %+v", msgs)
	}
	if toolMsg.ToolCallID != "call_abc" {
		t.Errorf("tool call id = %q", toolMsg.ToolCallID)
	}
	if toolMsg.Content != "Tool execution cancelled by user" {
		t.Errorf("content = %q, want the cancellation message only", toolMsg.Content)
	}
}

func TestToolCallBlockValidatesName(t *testing.T) {
	available := []string{"read_file", "grep"}

	block := toolCallBlock(toolcall.Call{ID: "call_1", Name: "Grep"}, available)
	if block.Name != "grep" {
		t.Errorf("case-insensitive match: %q", block.Name)
	}
	block = toolCallBlock(toolcall.Call{ID: "call_2", Name: "made_up"}, available)
	if block.Name != toolcall.SentinelName {
		t.Errorf("unknown name = %q, want sentinel", block.Name)
	}
	block = toolCallBlock(toolcall.Call{ID: "call_3", Name: "whatever"}, nil)
	if block.Name != "whatever" {
		t.Errorf("name rewritten with no tools: %q", block.Name)
	}
}

func TestGenerateStreamEndsAtDoneMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := New()
	req := &provider.Request{
		Contents: []types.Content{types.NewText(types.SpeakerHuman, "hi")},
		Resolved: provider.ResolvedCall{
			Model: "gpt-4o", BaseURL: srv.URL, AuthToken: "k", Streaming: true,
		},
	}
	var text strings.Builder
	if err := a.Generate(context.Background(), req, func(c types.Content) error {
		text.WriteString(c.TextContent())
		return nil
	}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text.String() != "hello" {
		t.Errorf("streamed text = %q", text.String())
	}
}

func TestConvertTools(t *testing.T) {
	tools := convertTools([]types.ToolDefinition{{
		Name:        "grep",
		Description: "search files",
		InputSchema: map[string]any{"type": "object"},
	}})
	if len(tools) != 1 || tools[0].Type != openai.ToolTypeFunction {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].Function.Name != "grep" || tools[0].Function.Description != "search files" {
		t.Errorf("function = %+v", tools[0].Function)
	}
}

func TestApplyParams(t *testing.T) {
	var req openai.ChatCompletionRequest
	applyParams(&req, map[string]any{
		"temperature": 0.7,
		"max_tokens":  float64(4096),
		"seed":        42,
		"stop":        "END",
		"unknown":     "ignored",
	})
	if req.Temperature != 0.7 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if req.MaxTokens != 4096 {
		t.Errorf("max_tokens = %v", req.MaxTokens)
	}
	if req.Seed == nil || *req.Seed != 42 {
		t.Errorf("seed = %v", req.Seed)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop = %v", req.Stop)
	}
}

func TestMapErrorClassification(t *testing.T) {
	rate := mapError(&openai.APIError{HTTPStatusCode: 429, Message: "slow down"})
	if llmerr.KindOf(rate) != llmerr.KindRateLimited {
		t.Errorf("429 kind = %v", llmerr.KindOf(rate))
	}
	bad := mapError(&openai.APIError{HTTPStatusCode: 400, Message: "bad schema"})
	if llmerr.KindOf(bad) != llmerr.KindBadUpstream || llmerr.IsRetryable(bad) {
		t.Errorf("400 kind = %v retryable = %v", llmerr.KindOf(bad), llmerr.IsRetryable(bad))
	}
	srv := mapError(&openai.RequestError{HTTPStatusCode: 503, Err: errors.New("overloaded")})
	if !llmerr.IsRetryable(srv) {
		t.Errorf("503 should retry: %v", srv)
	}
}
