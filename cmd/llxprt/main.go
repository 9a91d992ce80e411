package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/llxprt/llxprt/internal/auth"
	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/provider"
	"github.com/llxprt/llxprt/internal/provider/anthropic"
	"github.com/llxprt/llxprt/internal/provider/gemini"
	"github.com/llxprt/llxprt/internal/provider/openai"
	"github.com/llxprt/llxprt/internal/provider/responses"
	"github.com/llxprt/llxprt/internal/session"
	"github.com/llxprt/llxprt/internal/settings"
	"github.com/llxprt/llxprt/internal/types"
)

const version = "0.0.1"

type cli struct {
	Provider    string            `help:"Provider to use (openai, responses, anthropic, gemini)." short:"p"`
	Model       string            `help:"Model override." short:"m"`
	BaseURL     string            `name:"baseurl" help:"Base URL override for the active provider."`
	Key         string            `help:"API key for the active provider."`
	Keyfile     string            `help:"Path to a file holding the API key."`
	Set         map[string]string `help:"Ephemeral setting override (key=value), repeatable."`
	Profile     string            `help:"Named profile from the profile directory."`
	ProfileLoad string            `name:"profile-load" help:"Load a profile from an explicit path."`
	LogLevel    string            `name:"log-level" default:"info" help:"Log level (trace, debug, info, warn, error)."`
	NoStream    bool              `name:"no-stream" help:"Disable streaming for this invocation."`
	NoRecord    bool              `name:"no-record" help:"Do not record this session."`

	Chat     chatCmd     `cmd:"" default:"withargs" help:"Send a prompt and stream the reply."`
	Models   modelsCmd   `cmd:"" help:"List models the active provider serves."`
	Sessions sessionsCmd `cmd:"" help:"Manage recorded sessions."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type chatCmd struct {
	Prompt []string `arg:"" optional:"" help:"Prompt text."`
}

type modelsCmd struct{}

type sessionsCmd struct {
	List    sessionsListCmd    `cmd:"" default:"1" help:"List recorded sessions for this project."`
	Show    sessionsShowCmd    `cmd:"" help:"Print one session as JSONL."`
	Cleanup sessionsCleanupCmd `cmd:"" help:"Drop stale locks and delete empty sessions."`
}

type sessionsListCmd struct{}

type sessionsShowCmd struct {
	Ref string `arg:"" help:"Session ID, unique prefix, or 1-based list index."`
}

type sessionsCleanupCmd struct{}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("llxprt %s\n", version)
	return nil
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("llxprt"),
		kong.Description("Multi-provider LLM client."),
		kong.UsageOnError(),
	)

	Init(&Config{Level: ParseLevel(c.LogLevel)})

	if err := ctx.Run(&c); err != nil {
		L_error("llxprt: %v", err)
		os.Exit(1)
	}
}

func llxprtDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llxprt"
	}
	return filepath.Join(home, ".llxprt")
}

func sessionDir() string { return filepath.Join(llxprtDir(), "sessions") }

// projectHash identifies the working directory so session listings stay
// scoped to the project they were recorded in.
func projectHash() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256([]byte(wd))
	return hex.EncodeToString(sum[:8])
}

// buildStore assembles the settings stack from defaults, the resolved
// profile, and command-line flags.
func buildStore(c *cli) (*settings.Store, error) {
	store := settings.NewStore()
	store.SetDefault("provider", "openai")
	store.SetDefault(settings.KeyStreaming, "enabled")

	prof, err := settings.ResolveProfile(c.Profile, c.ProfileLoad, filepath.Join(llxprtDir(), "profiles"))
	if err != nil {
		return nil, err
	}
	if prof != nil {
		store.ApplyProfile(prof)
	}

	if c.Provider != "" {
		store.SetActiveProvider(c.Provider)
	}
	for k, v := range c.Set {
		store.SetEphemeralSetting(k, parseSetValue(v))
	}
	return store, nil
}

// parseSetValue coerces --set values: booleans and numbers become typed,
// everything else stays a string.
func parseSetValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// overrides builds the per-call settings layer from flags.
func (c *cli) overrides() map[string]any {
	o := map[string]any{}
	if c.Model != "" {
		o["model"] = c.Model
	}
	if c.BaseURL != "" {
		o[settings.KeyBaseURL] = c.BaseURL
	}
	if c.Key != "" {
		o[settings.KeyAuthKey] = c.Key
	}
	if c.Keyfile != "" {
		o[settings.KeyAuthKeyfile] = c.Keyfile
	}
	if c.NoStream {
		o[settings.KeyStreaming] = settings.StreamingDisabled
	}
	return o
}

func newOrchestrator(store *settings.Store) (*provider.Orchestrator, error) {
	tokens, err := auth.NewTokenStore("")
	if err != nil {
		return nil, err
	}
	o := provider.NewOrchestrator(store)
	o.Register(openai.New())
	o.Register(responses.New())
	o.Register(anthropic.New())
	o.Register(gemini.New(tokens))
	return o, nil
}

func (cmd *chatCmd) Run(c *cli) error {
	prompt := strings.TrimSpace(strings.Join(cmd.Prompt, " "))
	if prompt == "" {
		return fmt.Errorf("no prompt given")
	}

	store, err := buildStore(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(store)
	if err != nil {
		return err
	}

	if removed, err := session.CleanupStaleLocks(sessionDir()); err == nil && removed > 0 {
		L_debug("removed stale session locks", "count", removed)
	}

	overrides := c.overrides()
	view := store.Snapshot(overrides)
	if !c.NoRecord {
		rec, err := session.NewRecorder(sessionDir(), session.StartInfo{
			SessionID:   uuid.NewString(),
			ProjectHash: projectHash(),
			Provider:    view.Provider(),
			Model:       view.GetString("model"),
		})
		if err != nil {
			return err
		}
		defer rec.Close()
		orch.SetRecorder(rec)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := orch.Complete(ctx, provider.CallOptions{
		Contents:  []types.Content{types.NewText(types.SpeakerHuman, prompt)},
		Runtime:   provider.RuntimeContext{ID: uuid.NewString()},
		Overrides: overrides,
		OnAttempt: func(attempt int) {
			if attempt > 1 {
				fmt.Fprintf(os.Stderr, "\n[retrying, attempt %d]\n", attempt)
			}
		},
		OnChunk: func(chunk types.Content) error {
			fmt.Print(chunk.TextContent())
			return nil
		},
	})
	if err != nil {
		return err
	}
	fmt.Println()

	for _, content := range provider.Assemble(res.Contents) {
		for _, call := range content.ToolCalls() {
			fmt.Printf("[tool call] %s %s\n", call.Name, call.Parameters)
		}
	}
	if res.Usage.TotalTokens > 0 {
		L_info("usage", "prompt", res.Usage.PromptTokens,
			"completion", res.Usage.CompletionTokens, "total", res.Usage.TotalTokens)
	}
	return nil
}

func (modelsCmd) Run(c *cli) error {
	store, err := buildStore(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	models, err := orch.Models(ctx, c.Provider)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m.ContextWindow > 0 {
			fmt.Printf("%s\t%d\n", m.ID, m.ContextWindow)
			continue
		}
		fmt.Println(m.ID)
	}
	return nil
}

func (sessionsListCmd) Run(c *cli) error {
	sessions, skipped, err := session.List(sessionDir(), projectHash())
	if err != nil {
		return err
	}
	if skipped > 0 {
		L_warn("skipped unreadable session files", "count", skipped)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded for this project")
		return nil
	}
	for i, s := range sessions {
		preview := session.FirstUserMessage(s.Path, 0)
		if preview == "" {
			preview = "(empty)"
		}
		fmt.Printf("%3d  %s  %-9s %-24s %s\n",
			i+1, s.ModTime.Format("2006-01-02 15:04"), s.Provider, s.ID, preview)
	}
	return nil
}

func (cmd *sessionsShowCmd) Run(c *cli) error {
	sessions, _, err := session.List(sessionDir(), projectHash())
	if err != nil {
		return err
	}
	s, err := session.Resolve(sessions, cmd.Ref)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func (sessionsCleanupCmd) Run(c *cli) error {
	removed, err := session.CleanupStaleLocks(sessionDir())
	if err != nil {
		return err
	}
	deleted, err := session.DeleteEmptySessions(sessionDir())
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale locks, deleted %d empty sessions\n", removed, deleted)
	return nil
}
