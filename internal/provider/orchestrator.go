package provider

import (
	"context"
	"fmt"

	"github.com/llxprt/llxprt/internal/history"
	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/retry"
	"github.com/llxprt/llxprt/internal/settings"
	"github.com/llxprt/llxprt/internal/tokens"
	"github.com/llxprt/llxprt/internal/types"
)

// Recorder receives the durable record of a call. The session package
// provides the JSONL implementation; a nil recorder disables recording.
type Recorder interface {
	RecordContent(c types.Content) error
	RecordUsage(u types.Usage) error
}

// CallOptions drives one orchestrated completion.
type CallOptions struct {
	// Provider overrides the store's active provider when set.
	Provider string
	Contents []types.Content
	Tools    []types.ToolDefinition
	System   string
	Runtime  RuntimeContext
	// Overrides is the per-call settings layer, highest precedence.
	Overrides map[string]any
	// OnChunk receives streamed content as it arrives. On a mid-stream
	// failure the whole call is re-attempted end to end; chunks from the
	// failed attempt are NOT replayed or deduplicated, so consumers that
	// render incrementally should reset on OnAttempt.
	OnChunk func(types.Content) error
	// OnAttempt fires at the start of each end-to-end attempt (1-based).
	OnAttempt func(attempt int)
}

// Result is the assembled outcome of a completed call.
type Result struct {
	Contents []types.Content
	Usage    types.Usage
	Attempts int
}

// Orchestrator owns the call pipeline: history repair, settings snapshot,
// the retry and failover envelope, and session recording.
type Orchestrator struct {
	store    *settings.Store
	adapters map[string]Adapter
	failover retry.BucketFailover
	recorder Recorder
	retries  int
}

// NewOrchestrator builds an orchestrator over a settings store.
func NewOrchestrator(store *settings.Store) *Orchestrator {
	return &Orchestrator{
		store:    store,
		adapters: map[string]Adapter{},
		retries:  retry.DefaultRetries,
	}
}

// Register adds an adapter under its own name.
func (o *Orchestrator) Register(a Adapter) {
	o.adapters[a.Name()] = a
}

// SetFailover installs a key-bucket rotation policy consulted after a
// rate-limit exhausts its retry budget.
func (o *Orchestrator) SetFailover(f retry.BucketFailover) { o.failover = f }

// SetRecorder installs the session recorder.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// SetRetries overrides the per-epoch retry budget.
func (o *Orchestrator) SetRetries(n int) {
	if n > 0 {
		o.retries = n
	}
}

// Adapter returns a registered adapter by name.
func (o *Orchestrator) Adapter(name string) (Adapter, bool) {
	a, ok := o.adapters[name]
	return a, ok
}

// Complete runs one call end to end. The input history is repaired (never
// mutated), the settings stack is frozen for the duration, and mid-stream
// failures re-attempt the whole call under the retry envelope.
func (o *Orchestrator) Complete(ctx context.Context, opts CallOptions) (*Result, error) {
	if len(opts.Contents) == 0 {
		return nil, llmerr.New(llmerr.KindInvalidRequest, opts.Provider, "cannot complete an empty conversation")
	}

	name := opts.Provider
	if name == "" {
		name = o.store.ActiveProvider()
	}
	adapter, ok := o.adapters[name]
	if !ok {
		return nil, llmerr.New(llmerr.KindConfiguration, name,
			fmt.Sprintf("unknown provider %q", name))
	}

	repaired := history.RepairToolCalls(opts.Contents)

	req := &Request{
		Contents: repaired,
		Tools:    opts.Tools,
		System:   opts.System,
		Runtime:  opts.Runtime,
	}
	// A bucket rotation changes the auth the store resolves, so the same
	// resolution runs again after every successful failover.
	resolve := func() error {
		call, err := Resolve(o.store.Snapshot(opts.Overrides), adapter)
		if err != nil {
			return err
		}
		req.Resolved = call
		return nil
	}
	if err := resolve(); err != nil {
		return nil, err
	}
	L_debug("provider: call start", "provider", name, "model", req.Resolved.Model,
		"contents", len(repaired), "tools", len(opts.Tools), "streaming", req.Resolved.Streaming)

	var result Result
	err := retry.Stream(ctx, retry.Options{
		Retries:     o.retries,
		ShouldRetry: llmerr.IsRetryable,
		Failover:    o.failover,
		OnFailover: func() {
			if err := resolve(); err != nil {
				L_warn("provider: re-resolving after bucket rotation failed",
					"provider", name, "error", err)
			}
		},
	}, func(ctx context.Context, attempt int) error {
		result = Result{Attempts: attempt}
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt)
		}
		return adapter.Generate(ctx, req, func(c types.Content) error {
			result.Contents = append(result.Contents, c)
			if u := usageOf(c); u != nil {
				result.Usage = *u
			}
			if opts.OnChunk != nil {
				return opts.OnChunk(c)
			}
			return nil
		})
	})
	if err != nil {
		L_warn("provider: call failed", "provider", name, "model", req.Resolved.Model,
			"attempts", result.Attempts, "kind", llmerr.KindOf(err))
		return nil, err
	}

	if result.Usage.TotalTokens == 0 {
		result.Usage = estimateUsage(repaired, result.Contents)
		L_debug("provider: usage estimated locally", "provider", name,
			"totalTokens", result.Usage.TotalTokens)
	}

	o.record(name, &result)
	L_debug("provider: call done", "provider", name, "attempts", result.Attempts,
		"contents", len(result.Contents), "totalTokens", result.Usage.TotalTokens)
	return &result, nil
}

// Models lists what a provider serves, resolved like a call and wrapped in
// the same retry envelope. An empty name means the active provider.
func (o *Orchestrator) Models(ctx context.Context, providerName string) ([]Model, error) {
	name := providerName
	if name == "" {
		name = o.store.ActiveProvider()
	}
	adapter, ok := o.adapters[name]
	if !ok {
		return nil, llmerr.New(llmerr.KindConfiguration, name,
			fmt.Sprintf("unknown provider %q", name))
	}
	call, err := Resolve(o.store.Snapshot(nil), adapter)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, retry.Options{
		Retries:     o.retries,
		ShouldRetry: llmerr.IsRetryable,
	}, func(ctx context.Context) ([]Model, error) {
		return adapter.Models(ctx, call)
	})
}

// estimateUsage fills in token accounting for providers that report none,
// so recorded sessions always carry a usage line.
func estimateUsage(input, output []types.Content) types.Usage {
	est := tokens.Get()
	u := types.Usage{PromptTokens: est.CountHistory(input)}
	for _, c := range output {
		u.CompletionTokens += est.CountContent(c)
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func (o *Orchestrator) record(provider string, res *Result) {
	if o.recorder == nil {
		return
	}
	for _, c := range res.Contents {
		if err := o.recorder.RecordContent(c); err != nil {
			L_warn("provider: session record failed", "provider", provider, "error", err)
			return
		}
	}
	if res.Usage.TotalTokens > 0 {
		if err := o.recorder.RecordUsage(res.Usage); err != nil {
			L_warn("provider: usage record failed", "provider", provider, "error", err)
		}
	}
}

// usageOf extracts usage metadata carried on a content, if any.
func usageOf(c types.Content) *types.Usage {
	raw, ok := c.Metadata[types.MetaUsage]
	if !ok {
		return nil
	}
	if u, ok := raw.(types.Usage); ok {
		return &u
	}
	if u, ok := raw.(*types.Usage); ok {
		return u
	}
	return nil
}
