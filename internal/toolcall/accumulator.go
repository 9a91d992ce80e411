// Package toolcall collects streaming tool-call fragments into complete
// call records. Providers deliver tool calls as deltas spread over many
// chunks ({index, id?, name?, argsChunk?}); the accumulator reassembles
// them per index and finalization parses the accumulated argument JSON
// with repair for the pathologies streams actually produce (double-escaped
// strings, braces truncated at end of stream).
package toolcall

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"

	. "github.com/llxprt/llxprt/internal/logging"
)

// Fragment is one streaming tool-call delta.
type Fragment struct {
	Index     int
	ID        string
	Name      string
	ArgsChunk string
}

// Call is a finalized, normalized tool call.
type Call struct {
	Index   int
	ID      string
	Name    string
	Args    map[string]any
	RawArgs string
}

type pending struct {
	id   string
	name string
	args []byte
}

// Accumulator reassembles fragments keyed by index, preserving arrival
// order of indices. The first non-empty ID and name per index win; later
// fragments reuse them even when absent.
type Accumulator struct {
	order []int
	calls map[int]*pending
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*pending)}
}

// Add folds one fragment into the accumulator.
func (a *Accumulator) Add(f Fragment) {
	p, ok := a.calls[f.Index]
	if !ok {
		p = &pending{}
		a.calls[f.Index] = p
		a.order = append(a.order, f.Index)
	}
	if p.id == "" && f.ID != "" {
		p.id = f.ID
	}
	if p.name == "" && f.Name != "" {
		p.name = f.Name
	}
	if f.ArgsChunk != "" {
		p.args = append(p.args, f.ArgsChunk...)
	}
}

// Len returns the number of distinct tool calls seen so far.
func (a *Accumulator) Len() int { return len(a.order) }

// Finalize assembles the accumulated fragments into normalized calls, in
// index arrival order. Stream-assigned IDs are preserved exactly.
func (a *Accumulator) Finalize() []Call {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]Call, 0, len(a.order))
	for _, idx := range a.order {
		p := a.calls[idx]
		raw := string(p.args)
		out = append(out, Call{
			Index:   idx,
			ID:      p.id,
			Name:    p.name,
			Args:    ParseArgs(raw),
			RawArgs: raw,
		})
	}
	return out
}

// ParseArgs parses a streamed argument string into an object. Plain JSON
// first; then jsonrepair for truncated or malformed payloads; a payload
// that decodes to a JSON-encoded string is unwrapped one level
// (double-escape pathology). Anything still unparseable is wrapped as
// {value: raw} rather than discarded.
func ParseArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	if m, ok := tryDecode(raw); ok {
		return m
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err == nil {
		if m, ok := tryDecode(repaired); ok {
			L_debug("toolcall: repaired malformed argument JSON", "rawLen", len(raw))
			return m
		}
	}
	L_warn("toolcall: argument JSON unparseable, wrapping raw value", "rawLen", len(raw))
	return map[string]any{"value": raw}
}

// tryDecode decodes raw to an object, unwrapping one level of
// double-escaping when the payload is a JSON string.
func tryDecode(raw string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m, true
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m, true
		}
	}
	return nil, false
}
