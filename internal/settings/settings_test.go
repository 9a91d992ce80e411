package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/llxprt/llxprt/internal/llmerr"
)

func TestStorePrecedence(t *testing.T) {
	s := NewStore()
	s.SetDefault("model", "default-model")
	s.SetActiveProvider("openai")

	if v, _ := s.Get("model"); v != "default-model" {
		t.Errorf("default not visible: %v", v)
	}

	s.SetProviderSetting("openai", "model", "provider-model")
	if v, _ := s.Get("model"); v != "provider-model" {
		t.Errorf("provider scope should beat default: %v", v)
	}

	s.Set("model", "session-model")
	if v, _ := s.Get("model"); v != "session-model" {
		t.Errorf("session should beat provider scope: %v", v)
	}

	s.SetEphemeralSetting("model", "ephemeral-model")
	if v, _ := s.Get("model"); v != "ephemeral-model" {
		t.Errorf("ephemeral should beat session: %v", v)
	}
}

func TestStoreProviderScopeIsolation(t *testing.T) {
	s := NewStore()
	s.SetProviderSetting("openai", "temperature", 0.2)
	s.SetProviderSetting("anthropic", "temperature", 0.9)

	s.SetActiveProvider("openai")
	if v, _ := s.Get("temperature"); v != 0.2 {
		t.Errorf("openai scope = %v", v)
	}
	s.SetActiveProvider("anthropic")
	if v, _ := s.Get("temperature"); v != 0.9 {
		t.Errorf("anthropic scope = %v", v)
	}
}

func TestStoreEnvironmentLayer(t *testing.T) {
	t.Setenv("LLXPRT_BASE_URL", "http://localhost:9999/v1")
	s := NewStore()

	if v, _ := s.Get(KeyBaseURL); v != "http://localhost:9999/v1" {
		t.Errorf("env layer not consulted: %v", v)
	}

	// Provider scope beats env.
	s.SetActiveProvider("openai")
	s.SetProviderSetting("openai", KeyBaseURL, "http://other/v1")
	if v, _ := s.Get(KeyBaseURL); v != "http://other/v1" {
		t.Errorf("provider scope should beat env: %v", v)
	}
}

func TestGetEphemeralSettingsIsDefensiveCopy(t *testing.T) {
	s := NewStore()
	s.SetEphemeralSetting(KeyContextLimit, 32000)

	m := s.GetEphemeralSettings()
	m[KeyContextLimit] = 1
	m["injected"] = true

	if v, _ := s.Get(KeyContextLimit); v != 32000 {
		t.Errorf("store mutated through returned map: %v", v)
	}
	if _, ok := s.Get("injected"); ok {
		t.Error("store grew a key through returned map")
	}
}

func TestDefensiveCopyProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("mutating a returned map never changes the store", prop.ForAll(
		func(key, val, garbage string) bool {
			s := NewStore()
			s.SetEphemeralSetting(key, val)
			m := s.GetEphemeralSettings()
			m[key] = garbage
			delete(m, key)
			got, ok := s.Get(key)
			return ok && got == val
		},
		gen.RegexMatch(`[a-z][a-z-]{0,12}`),
		gen.AlphaString(),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestCallViewFrozenAgainstStoreMutation(t *testing.T) {
	s := NewStore()
	s.SetActiveProvider("openai")
	s.Set("model", "gpt-5.2")

	view := s.Snapshot(nil)
	s.Set("model", "changed-mid-call")

	if got := view.GetString("model"); got != "gpt-5.2" {
		t.Errorf("in-flight view changed under store mutation: %q", got)
	}
}

func TestCallViewOverridesWin(t *testing.T) {
	s := NewStore()
	s.Set("model", "base")
	view := s.Snapshot(map[string]any{"model": "per-call"})
	if got := view.GetString("model"); got != "per-call" {
		t.Errorf("override not applied: %q", got)
	}
	// The store itself never sees the override.
	if v, _ := s.Get("model"); v != "base" {
		t.Errorf("override leaked into store: %v", v)
	}
}

func TestCallViewStreaming(t *testing.T) {
	s := NewStore()
	if !s.Snapshot(nil).Streaming() {
		t.Error("streaming should default on")
	}
	s.SetEphemeralSetting(KeyStreaming, StreamingDisabled)
	if s.Snapshot(nil).Streaming() {
		t.Error("streaming=disabled not honored")
	}
	s.SetEphemeralSetting(KeyStreaming, "enabled")
	if !s.Snapshot(nil).Streaming() {
		t.Error("any non-disabled value should stream")
	}
}

func TestCallViewGetInt(t *testing.T) {
	s := NewStore()
	s.Set(KeyContextLimit, float64(32000)) // JSON number shape
	s.Set(KeySocketTimeout, "60")          // env string shape
	view := s.Snapshot(nil)
	if got := view.GetInt(KeyContextLimit); got != 32000 {
		t.Errorf("float64 int = %d", got)
	}
	if got := view.GetInt(KeySocketTimeout); got != 60 {
		t.Errorf("string int = %d", got)
	}
	if got := view.GetInt("absent"); got != 0 {
		t.Errorf("absent int = %d", got)
	}
}

func validProfileJSON() string {
	return `{
		"version": 1,
		"provider": "openai",
		"model": "gpt-5.2",
		"modelParams": {"temperature": 0.7},
		"ephemeralSettings": {"context-limit": 32000, "base-url": "https://api.example.com/v1"}
	}`
}

func TestLoadProfile(t *testing.T) {
	p, err := LoadProfile([]byte(validProfileJSON()))
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Provider != "openai" || p.Model != "gpt-5.2" {
		t.Errorf("profile = %+v", p)
	}
	if p.ModelParams["temperature"] != 0.7 {
		t.Errorf("modelParams = %v", p.ModelParams)
	}
}

func TestLoadProfileRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"wrong version", `{"version":2,"provider":"openai","model":"m"}`},
		{"missing version", `{"provider":"openai","model":"m"}`},
		{"missing provider", `{"version":1,"model":"m"}`},
		{"missing model", `{"version":1,"provider":"openai"}`},
		{"not json", `version: 1`},
		{"proto top level", `{"version":1,"provider":"p","model":"m","__proto__":{}}`},
		{"proto nested", `{"version":1,"provider":"p","model":"m","modelParams":{"a":{"__proto__":{"x":1}}}}`},
		{"constructor nested", `{"version":1,"provider":"p","model":"m","ephemeralSettings":{"constructor":1}}`},
		{"prototype deep", `{"version":1,"provider":"p","model":"m","modelParams":{"a":[{"prototype":true}]}}`},
	}
	for _, c := range cases {
		_, err := LoadProfile([]byte(c.doc))
		if err == nil {
			t.Errorf("%s: accepted", c.name)
			continue
		}
		if llmerr.KindOf(err) != llmerr.KindConfiguration {
			t.Errorf("%s: kind = %v, want configuration", c.name, llmerr.KindOf(err))
		}
	}
}

func TestLoadProfileAllowsDangerousNamesAsValues(t *testing.T) {
	// Only object keys are forbidden; string values with the same spelling
	// are fine.
	doc := `{"version":1,"provider":"p","model":"m","modelParams":{"note":"__proto__"}}`
	if _, err := LoadProfile([]byte(doc)); err != nil {
		t.Errorf("value rejected: %v", err)
	}
}

func TestLoadProfileSizeCap(t *testing.T) {
	pad := strings.Repeat("x", maxProfileSize)
	doc := `{"version":1,"provider":"p","model":"` + pad + `"}`
	_, err := LoadProfile([]byte(doc))
	if err == nil {
		t.Fatal("oversized profile accepted")
	}
	if llmerr.KindOf(err) != llmerr.KindConfiguration {
		t.Errorf("kind = %v", llmerr.KindOf(err))
	}
}

func TestProfileRejectionProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("a dangerous key at any depth is rejected", prop.ForAll(
		func(depth int, bad string) bool {
			inner := `{"` + bad + `":1}`
			for i := 0; i < depth; i++ {
				inner = `{"level":` + inner + `}`
			}
			doc := `{"version":1,"provider":"p","model":"m","modelParams":` + inner + `}`
			_, err := LoadProfile([]byte(doc))
			return err != nil && llmerr.KindOf(err) == llmerr.KindConfiguration
		},
		gen.IntRange(0, 6),
		gen.OneConstOf("__proto__", "constructor", "prototype"),
	))
	properties.TestingRun(t)
}

func TestApplyProfile(t *testing.T) {
	s := NewStore()
	p, err := LoadProfile([]byte(validProfileJSON()))
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyProfile(p)

	if s.ActiveProvider() != "openai" {
		t.Errorf("active provider = %q", s.ActiveProvider())
	}
	if v, _ := s.Get("temperature"); v != 0.7 {
		t.Errorf("modelParams not in provider scope: %v", v)
	}
	if v, _ := s.Get(KeyBaseURL); v != "https://api.example.com/v1" {
		t.Errorf("ephemeralSettings not in session scope: %v", v)
	}

	// Session writes after ApplyProfile win over profile-applied values.
	s.Set(KeyBaseURL, "http://localhost/v1")
	if v, _ := s.Get(KeyBaseURL); v != "http://localhost/v1" {
		t.Errorf("later session write should win: %v", v)
	}
}

func TestResolveProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "work.json")
	if err := os.WriteFile(path, []byte(validProfileJSON()), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ResolveProfile("work", path, dir); err == nil {
		t.Error("both flags accepted")
	} else if !strings.Contains(err.Error(), "--profile") || !strings.Contains(err.Error(), "--profile-load") {
		t.Errorf("error should name both flags: %v", err)
	}

	p, err := ResolveProfile("work", "", dir)
	if err != nil || p == nil || p.Provider != "openai" {
		t.Errorf("by name: %v %+v", err, p)
	}

	p, err = ResolveProfile("", path, "")
	if err != nil || p == nil {
		t.Errorf("by path: %v", err)
	}

	p, err = ResolveProfile("", "", dir)
	if err != nil || p != nil {
		t.Errorf("no source should be nil,nil: %v %+v", err, p)
	}

	t.Setenv(EnvProfile, validProfileJSON())
	p, err = ResolveProfile("", "", dir)
	if err != nil || p == nil || p.Model != "gpt-5.2" {
		t.Errorf("env inline profile: %v %+v", err, p)
	}
}
