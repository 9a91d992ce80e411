package provider

import (
	"encoding/json"

	"github.com/llxprt/llxprt/internal/types"
)

// wireUsage is the union of the usage vocabularies the backends speak.
// OpenAI-compatible servers use prompt/completion fields, Deepseek adds
// cache hit/miss splits, Anthropic uses input/output with cache creation
// and read counts, Gemini uses the *TokenCount spellings.
type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptDetails    struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CacheHitTokens  int `json:"prompt_cache_hit_tokens"`
	CacheMissTokens int `json:"prompt_cache_miss_tokens"`

	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`

	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
}

// NormalizeUsage folds a raw usage object from any backend into the
// neutral shape. Unknown fields are ignored; a payload with no usage
// vocabulary at all yields the zero value.
func NormalizeUsage(raw json.RawMessage) types.Usage {
	var w wireUsage
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.Usage{}
	}

	u := types.Usage{
		PromptTokens:        w.PromptTokens,
		CompletionTokens:    w.CompletionTokens,
		TotalTokens:         w.TotalTokens,
		CachedTokens:        w.PromptDetails.CachedTokens,
		CacheCreationTokens: w.CacheCreationTokens,
		CacheMissTokens:     w.CacheMissTokens,
	}
	if w.CacheHitTokens > 0 {
		u.CachedTokens = w.CacheHitTokens
	}
	if u.PromptTokens == 0 && w.InputTokens > 0 {
		u.PromptTokens = w.InputTokens
	}
	if u.CompletionTokens == 0 && w.OutputTokens > 0 {
		u.CompletionTokens = w.OutputTokens
	}
	if w.CacheReadTokens > 0 {
		u.CachedTokens = w.CacheReadTokens
	}
	if u.PromptTokens == 0 && w.PromptTokenCount > 0 {
		u.PromptTokens = w.PromptTokenCount
	}
	if u.CompletionTokens == 0 && w.CandidatesTokenCount > 0 {
		u.CompletionTokens = w.CandidatesTokenCount + w.ThoughtsTokenCount
	}
	if u.TotalTokens == 0 && w.TotalTokenCount > 0 {
		u.TotalTokens = w.TotalTokenCount
	}
	if u.CachedTokens == 0 && w.CachedContentTokenCount > 0 {
		u.CachedTokens = w.CachedContentTokenCount
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
