// Package settings implements the layered configuration stack for the call
// pipeline. Keys resolve by precedence, lowest to highest: built-in
// defaults, user profile, environment, per-provider settings, process-wide
// session settings, invocation ephemerals, explicit per-call overrides.
// Providers never read this store directly during a call; they get a
// frozen CallView snapshot instead.
package settings

import (
	"os"
	"strings"
	"sync"

	. "github.com/llxprt/llxprt/internal/logging"
)

// Recognized ephemeral keys. Unknown keys pass through untouched.
const (
	KeyStreaming            = "streaming"
	KeyContextLimit         = "context-limit"
	KeyCompressionThreshold = "compression-threshold"
	KeyBaseURL              = "base-url"
	KeyAuthKey              = "auth-key"
	KeyAuthKeyfile          = "auth-keyfile"
	KeyAPIVersion           = "api-version"
	KeyCustomHeaders        = "custom-headers"
	KeyToolFormat           = "tool-format"
	KeySocketTimeout        = "socket-timeout"
	KeySocketKeepalive      = "socket-keepalive"
	KeySocketNodelay        = "socket-nodelay"
)

// StreamingDisabled is the explicit opt-out value for KeyStreaming; any
// other value (including absence) means streaming.
const StreamingDisabled = "disabled"

// envPrefix maps keys to environment variables: base-url -> LLXPRT_BASE_URL.
const envPrefix = "LLXPRT_"

// Store is the process-wide settings stack. Readers copy on acquire;
// writers take the mutex.
type Store struct {
	mu             sync.RWMutex
	defaults       map[string]any
	profile        map[string]any
	providers      map[string]map[string]any
	session        map[string]any
	ephemerals     map[string]any
	activeProvider string
}

// NewStore builds a store with built-in defaults.
func NewStore() *Store {
	return &Store{
		defaults:   map[string]any{},
		profile:    map[string]any{},
		providers:  map[string]map[string]any{},
		session:    map[string]any{},
		ephemerals: map[string]any{},
	}
}

// SetDefault installs a built-in default (lowest precedence).
func (s *Store) SetDefault(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[key] = value
}

// SetActiveProvider records which provider's scope participates in Get.
func (s *Store) SetActiveProvider(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeProvider = name
}

// ActiveProvider returns the currently selected provider name.
func (s *Store) ActiveProvider() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeProvider
}

// Get resolves a key through the precedence stack. The boolean reports
// whether any layer held the key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (any, bool) {
	if v, ok := s.ephemerals[key]; ok {
		return v, true
	}
	if v, ok := s.session[key]; ok {
		return v, true
	}
	if s.activeProvider != "" {
		if p, ok := s.providers[s.activeProvider]; ok {
			if v, ok := p[key]; ok {
				return v, true
			}
		}
	}
	if v, ok := envLookup(key); ok {
		return v, true
	}
	if v, ok := s.profile[key]; ok {
		return v, true
	}
	if v, ok := s.defaults[key]; ok {
		return v, true
	}
	return nil, false
}

// Set writes a process-wide session setting.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session[key] = value
}

// SetEphemeralSetting writes an ephemeral for the current session.
func (s *Store) SetEphemeralSetting(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ephemerals[key] = value
}

// GetEphemeralSettings returns a defensive copy of the ephemeral layer;
// mutating the returned map never affects the store.
func (s *Store) GetEphemeralSettings() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.ephemerals)
}

// SetProviderSetting writes one key in a provider's scope.
func (s *Store) SetProviderSetting(provider, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[provider]
	if !ok {
		p = map[string]any{}
		s.providers[provider] = p
	}
	p[key] = value
}

// GetProviderSettings returns a defensive copy of a provider's scope.
func (s *Store) GetProviderSettings(provider string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.providers[provider])
}

// ApplyProfile loads a validated profile into the stack: modelParams go to
// the provider scope, ephemeralSettings to the session scope.
func (s *Store) ApplyProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeProvider = p.Provider
	s.profile["provider"] = p.Provider
	s.profile["model"] = p.Model

	scope, ok := s.providers[p.Provider]
	if !ok {
		scope = map[string]any{}
		s.providers[p.Provider] = scope
	}
	for k, v := range p.ModelParams {
		scope[k] = v
	}
	for k, v := range p.EphemeralSettings {
		s.session[k] = v
	}
	L_debug("settings: profile applied", "provider", p.Provider, "model", p.Model,
		"modelParams", len(p.ModelParams), "ephemerals", len(p.EphemeralSettings))
}

// envLookup maps a settings key to its LLXPRT_* environment variable.
func envLookup(key string) (any, bool) {
	name := envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v, true
	}
	return nil, false
}

// envSettings gathers all LLXPRT_* variables as a settings layer, keys
// folded back to kebab case. LLXPRT_PROFILE is a profile source, not a
// setting, and is skipped.
func envSettings() map[string]any {
	out := map[string]any{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		if name == EnvProfile {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, envPrefix), "_", "-"))
		out[key] = value
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
