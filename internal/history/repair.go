// Package history audits neutral conversation histories for tool-call
// integrity. Orphaned tool calls (a ToolCall with no matching ToolResponse,
// typically left behind by a cancelled turn) get a synthetic cancellation
// response injected so providers never see an unanswered call; orphaned
// responses are dropped before a payload reaches the wire.
package history

import (
	"encoding/json"
	"time"

	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/toolid"
	"github.com/llxprt/llxprt/internal/types"
)

// Cancellation placeholder payload written into synthetic responses.
const (
	cancelledStatus    = "cancelled"
	cancelledMessage   = "Tool execution cancelled by user"
	cancelledErrorType = "user_interruption"
)

// syntheticPayload is the body of a synthetic ToolResponse result.
type syntheticPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ToolName  string `json:"toolName"`
	Timestamp string `json:"timestamp"`
	ErrorType string `json:"error_type"`
}

// RepairToolCalls returns a deep copy of the history in which every orphan
// tool call is answered by a synthetic cancelled response placed
// immediately after the last AI turn bearing that call. Existing IDs are
// normalized to canonical history form first, so wire-form IDs introduced
// by cancellation paths cannot produce false orphans. The function is
// idempotent and never mutates its input.
func RepairToolCalls(contents []types.Content) []types.Content {
	out := types.CloneHistory(contents)

	// Normalize every tool ID to canonical form before auditing.
	for i := range out {
		for j := range out[i].Blocks {
			b := &out[i].Blocks[j]
			switch b.Type {
			case types.BlockToolCall:
				b.ID = toolid.ToHistory(b.ID)
			case types.BlockToolResponse:
				b.CallID = toolid.ToHistory(b.CallID)
			}
		}
	}

	responded := make(map[string]bool)
	lastCallTurn := make(map[string]int) // call ID -> last AI turn index bearing it
	callName := make(map[string]string)
	for i, c := range out {
		for _, b := range c.Blocks {
			switch b.Type {
			case types.BlockToolCall:
				if c.Speaker == types.SpeakerAI {
					lastCallTurn[b.ID] = i
					callName[b.ID] = b.Name
				}
			case types.BlockToolResponse:
				responded[b.CallID] = true
			}
		}
	}

	// Group orphans by the AI turn they must be answered after, preserving
	// the calls' order within that turn.
	orphansByTurn := make(map[int][]string)
	for i, c := range out {
		if c.Speaker != types.SpeakerAI {
			continue
		}
		for _, b := range c.Blocks {
			if b.Type != types.BlockToolCall || responded[b.ID] {
				continue
			}
			if lastCallTurn[b.ID] != i {
				continue // answered relative to a later occurrence
			}
			orphansByTurn[i] = append(orphansByTurn[i], b.ID)
			responded[b.ID] = true // one synthetic response per orphan
		}
	}
	if len(orphansByTurn) == 0 {
		return out
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var result []types.Content
	for i, c := range out {
		result = append(result, c)
		ids, ok := orphansByTurn[i]
		if !ok {
			continue
		}
		var blocks []types.Block
		for _, id := range ids {
			payload, _ := json.Marshal(syntheticPayload{
				Status:    cancelledStatus,
				Message:   cancelledMessage,
				ToolName:  callName[id],
				Timestamp: now,
				ErrorType: cancelledErrorType,
			})
			blocks = append(blocks, types.ToolResponseBlock(id, callName[id], payload))
		}
		result = append(result, types.Content{
			Speaker:  types.SpeakerTool,
			Blocks:   blocks,
			Metadata: map[string]any{types.MetaSynthetic: true},
		})
		L_debug("history: synthesized cancelled responses", "turn", i, "orphans", len(ids))
	}
	return result
}

// CancellationText extracts the human-readable message from a synthetic
// cancelled-response payload. ok is false for any other result shape, so
// real tool output that merely resembles the payload passes through.
func CancellationText(result json.RawMessage) (string, bool) {
	var p syntheticPayload
	if err := json.Unmarshal(result, &p); err != nil {
		return "", false
	}
	if p.Status != cancelledStatus || p.ErrorType != cancelledErrorType || p.Message == "" {
		return "", false
	}
	return p.Message, true
}

// ValidateToolResponses checks that every ToolResponse references a
// ToolCall appearing earlier in the same history. IDs are compared in
// canonical form. A violation is a structural error, never retried.
func ValidateToolResponses(contents []types.Content) error {
	seen := make(map[string]bool)
	for _, c := range contents {
		for _, b := range c.Blocks {
			switch b.Type {
			case types.BlockToolCall:
				seen[toolid.ToHistory(b.ID)] = true
			case types.BlockToolResponse:
				id := toolid.ToHistory(b.CallID)
				if !seen[id] {
					return llmerr.New(llmerr.KindToolHistory, "",
						"tool response references unknown call "+id)
				}
			}
		}
	}
	return nil
}

// DropOrphanResponses returns a copy of the history with tool responses
// that reference no known call removed, plus the number dropped. Adapters
// run this as a last defensive pass so no orphan output reaches the wire.
func DropOrphanResponses(contents []types.Content) ([]types.Content, int) {
	known := make(map[string]bool)
	for _, c := range contents {
		for _, b := range c.Blocks {
			if b.Type == types.BlockToolCall {
				known[toolid.ToHistory(b.ID)] = true
			}
		}
	}

	dropped := 0
	out := make([]types.Content, 0, len(contents))
	for _, c := range contents {
		kept := c.Clone()
		var blocks []types.Block
		for _, b := range kept.Blocks {
			if b.Type == types.BlockToolResponse && !known[toolid.ToHistory(b.CallID)] {
				dropped++
				L_warn("history: dropping orphan tool response", "callId", b.CallID, "tool", b.ToolName)
				continue
			}
			blocks = append(blocks, b)
		}
		kept.Blocks = blocks
		if len(kept.Blocks) > 0 {
			out = append(out, kept)
		}
	}
	return out, dropped
}
