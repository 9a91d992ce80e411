package provider

import (
	"encoding/json"
	"testing"

	"github.com/llxprt/llxprt/internal/types"
)

func TestAssembleConcatenatesTextDeltas(t *testing.T) {
	fragments := []types.Content{
		types.NewText(types.SpeakerAI, "hel"),
		types.NewText(types.SpeakerAI, "lo "),
		types.NewText(types.SpeakerAI, "world"),
	}
	out := Assemble(fragments)
	if len(out) != 1 {
		t.Fatalf("merged = %d contents", len(out))
	}
	if got := out[0].TextContent(); got != "hello world" {
		t.Errorf("text = %q", got)
	}
	if len(out[0].Blocks) != 1 {
		t.Errorf("blocks = %d, want 1", len(out[0].Blocks))
	}
}

func TestAssembleKeepsThinkingSeparateFromText(t *testing.T) {
	fragments := []types.Content{
		{Speaker: types.SpeakerAI, Blocks: []types.Block{{Type: types.BlockThinking, Text: "let me "}}},
		{Speaker: types.SpeakerAI, Blocks: []types.Block{{Type: types.BlockThinking, Text: "think"}}},
		types.NewText(types.SpeakerAI, "answer"),
	}
	out := Assemble(fragments)
	if len(out) != 1 || len(out[0].Blocks) != 2 {
		t.Fatalf("out = %+v", out)
	}
	if out[0].Blocks[0].Type != types.BlockThinking || out[0].Blocks[0].Text != "let me think" {
		t.Errorf("thinking block = %+v", out[0].Blocks[0])
	}
	if out[0].Blocks[1].Type != types.BlockText || out[0].Blocks[1].Text != "answer" {
		t.Errorf("text block = %+v", out[0].Blocks[1])
	}
}

func TestAssembleSpeakerBoundary(t *testing.T) {
	fragments := []types.Content{
		types.NewText(types.SpeakerAI, "one"),
		types.NewText(types.SpeakerHuman, "two"),
		types.NewText(types.SpeakerAI, "three"),
	}
	out := Assemble(fragments)
	if len(out) != 3 {
		t.Fatalf("merged = %d contents, want 3", len(out))
	}
}

func TestAssembleMetadataLaterWins(t *testing.T) {
	first := types.NewText(types.SpeakerAI, "a")
	first.Metadata = map[string]any{"model": "old", "finish": "length"}
	second := types.Content{
		Speaker: types.SpeakerAI,
		Blocks: []types.Block{
			types.ToolCallBlock("hist_tool_x", "grep", json.RawMessage(`{}`)),
		},
		Metadata: map[string]any{"model": "new"},
	}
	out := Assemble([]types.Content{first, second})
	if len(out) != 1 {
		t.Fatalf("out = %+v", out)
	}
	if out[0].Metadata["model"] != "new" || out[0].Metadata["finish"] != "length" {
		t.Errorf("metadata = %+v", out[0].Metadata)
	}
	if calls := out[0].ToolCalls(); len(calls) != 1 || calls[0].ID != "hist_tool_x" {
		t.Errorf("calls = %+v", out[0].ToolCalls())
	}
}

func TestAssembleDoesNotAliasInput(t *testing.T) {
	frag := types.NewText(types.SpeakerAI, "orig")
	out := Assemble([]types.Content{frag, types.NewText(types.SpeakerAI, "inal")})
	frag.Blocks[0].Text = "mutated"
	if out[0].TextContent() != "original" {
		t.Errorf("assembled text aliased input: %q", out[0].TextContent())
	}
}
