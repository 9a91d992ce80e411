package toolcall

import (
	"strings"

	. "github.com/llxprt/llxprt/internal/logging"
)

// SentinelName is emitted when a streamed tool name cannot be matched
// against the available tools.
const SentinelName = "unknown_tool"

// Validation is the outcome of matching a streamed name against the tool
// registry. Callers may surface Reason to telemetry.
type Validation struct {
	Valid         bool
	CorrectedName string
	Reason        string
}

// NormalizeName lowercases and trims a streamed tool name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName matches a streamed tool name against the available tools:
// case-insensitive exact match first, then prefix match when unambiguous.
// No match yields the sentinel name so the call is still surfaced.
func ValidateName(name string, available []string) Validation {
	norm := NormalizeName(name)
	if norm == "" {
		L_warn("toolcall: empty tool name from stream")
		return Validation{CorrectedName: SentinelName, Reason: "empty name"}
	}

	for _, t := range available {
		if NormalizeName(t) == norm {
			return Validation{Valid: true, CorrectedName: t}
		}
	}

	var prefixMatches []string
	for _, t := range available {
		if strings.HasPrefix(NormalizeName(t), norm) {
			prefixMatches = append(prefixMatches, t)
		}
	}
	switch len(prefixMatches) {
	case 1:
		return Validation{Valid: true, CorrectedName: prefixMatches[0], Reason: "prefix match"}
	case 0:
		L_warn("toolcall: unknown tool name from stream", "name", name)
		return Validation{CorrectedName: SentinelName, Reason: "no match"}
	default:
		L_warn("toolcall: ambiguous tool name from stream", "name", name, "candidates", len(prefixMatches))
		return Validation{CorrectedName: SentinelName, Reason: "ambiguous prefix"}
	}
}
