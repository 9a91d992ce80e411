// Package toolid rewrites tool-call identifiers between the canonical
// history form (hist_tool_*) and the provider wire forms (call_* for
// OpenAI-style APIs, toolu_* for Anthropic). The rewrites are pure and
// deterministic so the same history always produces the same wire IDs.
package toolid

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Identifier prefixes
const (
	HistoryPrefix   = "hist_tool_"
	OpenAIPrefix    = "call_"
	AnthropicPrefix = "toolu_"
)

// minIDLength is the smallest acceptable wire ID, prefix included.
const minIDLength = 6

// ToHistory translates any recognized wire ID to the canonical history form.
// Unrecognized IDs are treated as opaque and wrapped as hist_tool_<raw>.
func ToHistory(id string) string {
	switch {
	case strings.HasPrefix(id, HistoryPrefix):
		return id
	case strings.HasPrefix(id, OpenAIPrefix):
		return HistoryPrefix + strings.TrimPrefix(id, OpenAIPrefix)
	case strings.HasPrefix(id, AnthropicPrefix):
		return HistoryPrefix + strings.TrimPrefix(id, AnthropicPrefix)
	default:
		return HistoryPrefix + id
	}
}

// ToOpenAI translates an ID to the OpenAI wire form call_<suffix>.
// The suffix is sanitized to [A-Za-z0-9_]; if nothing survives, a
// deterministic suffix is derived from the input so repeated calls agree.
func ToOpenAI(id string) string {
	return encode(id, OpenAIPrefix)
}

// ToAnthropic translates an ID to the Anthropic wire form toolu_<suffix>.
func ToAnthropic(id string) string {
	return encode(id, AnthropicPrefix)
}

func encode(id, prefix string) string {
	suffix := sanitizeSuffix(stripKnownPrefix(id))
	if suffix == "" || len(prefix)+len(suffix) < minIDLength {
		suffix = fallbackSuffix(id)
	}
	return prefix + suffix
}

// stripKnownPrefix removes whichever recognized prefix the ID carries.
func stripKnownPrefix(id string) string {
	for _, p := range []string{HistoryPrefix, OpenAIPrefix, AnthropicPrefix} {
		if strings.HasPrefix(id, p) {
			return strings.TrimPrefix(id, p)
		}
	}
	return id
}

// sanitizeSuffix strips every character outside [A-Za-z0-9_].
func sanitizeSuffix(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fallbackSuffix derives a stable 8-hex-char suffix from the original input.
// FNV-1a keeps this deterministic across processes, which is stronger than
// the per-process determinism the callers rely on.
func fallbackSuffix(input string) string {
	h := fnv.New32a()
	h.Write([]byte(input))
	return fmt.Sprintf("%08x", h.Sum32())
}
