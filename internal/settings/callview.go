package settings

import "strconv"

// CallView is a frozen snapshot of the settings stack taken at call start.
// Mutating the store after the snapshot never changes an in-flight call,
// and per-call overrides layer on top without touching the store.
type CallView struct {
	values    map[string]any
	provider  map[string]any
	overrides map[string]any
	active    string
}

// Snapshot freezes the current stack state for one call. overrides are the
// highest-precedence layer and apply only to this view.
func (s *Store) Snapshot(overrides map[string]any) *CallView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := map[string]any{}
	for k, v := range s.defaults {
		values[k] = v
	}
	for k, v := range s.profile {
		values[k] = v
	}
	for k, v := range envSettings() {
		values[k] = v
	}
	if p, ok := s.providers[s.activeProvider]; ok {
		for k, v := range p {
			values[k] = v
		}
	}
	for k, v := range s.session {
		values[k] = v
	}
	for k, v := range s.ephemerals {
		values[k] = v
	}

	return &CallView{
		values:    values,
		provider:  copyMap(s.providers[s.activeProvider]),
		overrides: copyMap(overrides),
		active:    s.activeProvider,
	}
}

// Get resolves a key in the frozen view.
func (v *CallView) Get(key string) (any, bool) {
	if val, ok := v.overrides[key]; ok {
		return val, true
	}
	val, ok := v.values[key]
	return val, ok
}

// GetString resolves a key as a string, empty when absent or non-string.
func (v *CallView) GetString(key string) string {
	val, ok := v.Get(key)
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}

// GetInt resolves a key as an int, tolerating float64 (JSON numbers) and
// numeric strings (environment values). Zero when absent or unparseable.
func (v *CallView) GetInt(key string) int {
	val, ok := v.Get(key)
	if !ok {
		return 0
	}
	switch n := val.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	}
	return 0
}

// Provider returns the active provider name at snapshot time.
func (v *CallView) Provider() string { return v.active }

// ProviderSettings returns the provider scope captured at snapshot time.
func (v *CallView) ProviderSettings() map[string]any {
	return copyMap(v.provider)
}

// Streaming reports whether this call streams. Streaming is on unless the
// streaming key holds the literal "disabled".
func (v *CallView) Streaming() bool {
	val, ok := v.Get(KeyStreaming)
	if !ok {
		return true
	}
	s, ok := val.(string)
	if !ok {
		return true
	}
	return s != StreamingDisabled
}
