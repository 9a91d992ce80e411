// Package provider defines the adapter contract for LLM backends and the
// orchestrator that drives calls through history repair, the retry
// envelope, and session recording. Adapters translate the neutral history
// to a wire format, stream the reply back as neutral content, and map
// failures into the shared error taxonomy.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/llxprt/llxprt/internal/auth"
	"github.com/llxprt/llxprt/internal/settings"
	"github.com/llxprt/llxprt/internal/types"
)

// Tool declaration formats adapters may expect.
const (
	ToolFormatOpenAI    = "openai"
	ToolFormatAnthropic = "anthropic"
	ToolFormatGemini    = "gemini"
)

// RuntimeContext identifies the isolated runtime making a call. Adapters
// that keep per-conversation server state key it by ID so concurrent
// runtimes never share state.
type RuntimeContext struct {
	ID string
}

// ResolvedCall is everything an adapter needs for one request, resolved
// from the settings stack before the attempt loop starts. AuthToken is
// secret; it must never be logged.
type ResolvedCall struct {
	Model     string
	BaseURL   string
	AuthToken string
	Headers   map[string]string
	Params    map[string]any
	Streaming bool
}

// Request is one generation call handed to an adapter.
type Request struct {
	Contents []types.Content
	Tools    []types.ToolDefinition
	System   string
	Resolved ResolvedCall
	Runtime  RuntimeContext
}

// Model describes one model an adapter can serve.
type Model struct {
	ID            string `json:"id"`
	ContextWindow int    `json:"contextWindow,omitempty"`
	MaxOutput     int    `json:"maxOutput,omitempty"`
}

// Adapter is the contract each backend implements. Generate streams the
// reply through onChunk; emitted contents arrive in order and the final
// one carries usage metadata when the backend reports it. A non-nil error
// from onChunk aborts the stream.
type Adapter interface {
	Name() string
	DefaultModel() string
	ToolFormat() string
	SupportsOAuth() bool
	// IsAuthenticated reports whether the resolved call carries usable
	// credentials (an explicit key, or a live stored OAuth token).
	IsAuthenticated(call ResolvedCall) bool
	Generate(ctx context.Context, req *Request, onChunk func(types.Content) error) error
	Models(ctx context.Context, call ResolvedCall) ([]Model, error)
}

// Resolve builds a ResolvedCall from a frozen settings view plus stored
// credentials. The global base-url key applies only to the active
// provider; other adapters resolve their own defaults.
func Resolve(view *settings.CallView, adapter Adapter) (ResolvedCall, error) {
	call := ResolvedCall{
		Model:     view.GetString("model"),
		Streaming: view.Streaming(),
		Params:    map[string]any{},
		Headers:   map[string]string{},
	}
	if call.Model == "" {
		call.Model = adapter.DefaultModel()
	}
	if adapter.Name() == view.Provider() {
		call.BaseURL = view.GetString(settings.KeyBaseURL)
	}

	token, err := auth.ResolveKey(view.GetString(settings.KeyAuthKey), view.GetString(settings.KeyAuthKeyfile))
	if err != nil {
		return ResolvedCall{}, err
	}
	call.AuthToken = token

	for k, v := range view.ProviderSettings() {
		if isReservedKey(k) {
			continue
		}
		call.Params[k] = v
	}
	for name, value := range customHeaders(view) {
		call.Headers[name] = value
	}
	return call, nil
}

// isReservedKey filters settings that steer the pipeline rather than the
// model; everything else in the provider scope passes through as a model
// parameter.
func isReservedKey(k string) bool {
	switch k {
	case "model", "provider",
		settings.KeyStreaming, settings.KeyBaseURL,
		settings.KeyAuthKey, settings.KeyAuthKeyfile,
		settings.KeyAPIVersion, settings.KeyCustomHeaders, settings.KeyToolFormat,
		settings.KeyContextLimit, settings.KeyCompressionThreshold,
		settings.KeySocketTimeout, settings.KeySocketKeepalive, settings.KeySocketNodelay:
		return true
	}
	return false
}

// customHeaders parses the custom-headers setting. A map value passes
// through; a string value is parsed as semicolon-separated Name: Value
// pairs.
func customHeaders(view *settings.CallView) map[string]string {
	out := map[string]string{}
	raw, ok := view.Get(settings.KeyCustomHeaders)
	if !ok {
		return out
	}
	switch h := raw.(type) {
	case map[string]any:
		for k, v := range h {
			out[k] = fmt.Sprintf("%v", v)
		}
	case map[string]string:
		for k, v := range h {
			out[k] = v
		}
	case string:
		for _, pair := range strings.Split(h, ";") {
			name, value, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			out[name] = strings.TrimSpace(value)
		}
	}
	return out
}
