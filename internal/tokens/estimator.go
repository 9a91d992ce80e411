// Package tokens estimates token usage for context budgeting. Estimates
// use the cl100k_base encoding with a chars/4 fallback when the encoding
// cannot be loaded.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/types"
)

// DefaultEncoding works well enough across providers for budgeting; exact
// counts come back in usage metadata anyway.
const DefaultEncoding = "cl100k_base"

// Estimator counts tokens with a loaded encoding, or chars/4 without one.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

var (
	globalEstimator *Estimator
	globalOnce      sync.Once
)

// Get returns the process-wide estimator.
func Get() *Estimator {
	globalOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: encoding unavailable, using char-based fallback", "error", err)
			globalEstimator = &Estimator{}
		}
	})
	return globalEstimator
}

// New creates an estimator with the default encoding.
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// messageOverhead approximates the per-message framing cost (role tags,
// separators) across provider wire formats.
const messageOverhead = 4

// CountContent estimates one history entry: text, thinking, and tool
// payloads, plus framing overhead. Media blocks are not text-countable and
// contribute a flat allowance.
func (e *Estimator) CountContent(c types.Content) int {
	n := messageOverhead
	for _, b := range c.Blocks {
		switch b.Type {
		case types.BlockText:
			n += e.Count(b.Text)
		case types.BlockThinking:
			n += e.Count(b.Text)
		case types.BlockToolCall:
			n += e.Count(b.Name) + e.Count(string(b.Parameters))
		case types.BlockToolResponse:
			n += e.Count(string(b.Result)) + e.Count(b.Error)
		case types.BlockMedia:
			n += 512
		}
	}
	return n
}

// CountHistory estimates a whole conversation.
func (e *Estimator) CountHistory(history []types.Content) int {
	total := 0
	for _, c := range history {
		total += e.CountContent(c)
	}
	return total
}

// Estimate counts a string with the process-wide estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// SafetyMargin pads input estimates because cl100k_base undercounts for
// non-OpenAI tokenizers.
const SafetyMargin = 1.2

// CapMaxTokens bounds a requested max_tokens so input plus output fits the
// context window. Returns requestedMax unchanged when no window is known.
func CapMaxTokens(requestedMax, contextWindow, estimatedInput, buffer int) int {
	if contextWindow <= 0 {
		return requestedMax
	}
	safeInput := int(float64(estimatedInput) * SafetyMargin)
	available := contextWindow - safeInput - buffer
	if available < 100 {
		available = 100
	}
	if requestedMax > 0 && requestedMax < available {
		return requestedMax
	}
	return available
}
