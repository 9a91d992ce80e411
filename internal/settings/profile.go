package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
)

// maxProfileSize caps profile documents before parsing. Profiles are tiny;
// anything larger is hostile or corrupt.
const maxProfileSize = 10 * 1024

// ProfileVersion is the only schema version LoadProfile accepts.
const ProfileVersion = 1

// EnvProfile optionally holds an inline profile JSON document.
const EnvProfile = "LLXPRT_PROFILE"

// Profile is a saved provider/model configuration.
type Profile struct {
	Version           int            `json:"version"`
	Provider          string         `json:"provider"`
	Model             string         `json:"model"`
	ModelParams       map[string]any `json:"modelParams"`
	EphemeralSettings map[string]any `json:"ephemeralSettings"`
}

// dangerousKeys are rejected as JSON object keys anywhere in a profile
// document, at any nesting depth. Profiles are untrusted input and these
// names are the classic prototype-pollution vectors; a Go map is not
// poisonable, but the settings stack round-trips through JSON consumers
// that may be.
var dangerousKeys = []string{"__proto__", "constructor", "prototype"}

// LoadProfile parses and validates a profile document.
func LoadProfile(data []byte) (*Profile, error) {
	if len(data) > maxProfileSize {
		return nil, llmerr.New(llmerr.KindConfiguration, "",
			fmt.Sprintf("profile exceeds %d byte limit (%d bytes)", maxProfileSize, len(data)))
	}
	if err := scanDangerousKeys(data); err != nil {
		return nil, err
	}

	var p Profile
	dec := json.NewDecoder(strings.NewReader(string(data)))
	if err := dec.Decode(&p); err != nil {
		return nil, llmerr.Wrap(llmerr.KindConfiguration, "", "profile is not valid JSON", err)
	}
	if p.Version != ProfileVersion {
		return nil, llmerr.New(llmerr.KindConfiguration, "",
			fmt.Sprintf("unsupported profile version %d, want %d", p.Version, ProfileVersion))
	}
	if p.Provider == "" {
		return nil, llmerr.New(llmerr.KindConfiguration, "", "profile missing provider")
	}
	if p.Model == "" {
		return nil, llmerr.New(llmerr.KindConfiguration, "", "profile missing model")
	}
	if p.ModelParams == nil {
		p.ModelParams = map[string]any{}
	}
	if p.EphemeralSettings == nil {
		p.EphemeralSettings = map[string]any{}
	}
	return &p, nil
}

// LoadProfileFile reads and validates a profile from disk.
func LoadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, llmerr.Wrap(llmerr.KindConfiguration, "",
			fmt.Sprintf("cannot read profile %s", path), err)
	}
	p, err := LoadProfile(data)
	if err != nil {
		return nil, err
	}
	L_debug("settings: profile loaded", "path", path, "provider", p.Provider, "model", p.Model)
	return p, nil
}

// ResolveProfile picks the profile source for this invocation. profileName
// resolves under profileDir as <name>.json; profilePath is an explicit
// file. Both set is an error that names both flags. With neither set, the
// LLXPRT_PROFILE environment variable may carry an inline JSON document.
// No source at all yields (nil, nil).
func ResolveProfile(profileName, profilePath, profileDir string) (*Profile, error) {
	if profileName != "" && profilePath != "" {
		return nil, llmerr.New(llmerr.KindConfiguration, "",
			"--profile and --profile-load are mutually exclusive; pass one or the other")
	}
	switch {
	case profilePath != "":
		return LoadProfileFile(profilePath)
	case profileName != "":
		return LoadProfileFile(filepath.Join(profileDir, profileName+".json"))
	}
	if inline := os.Getenv(EnvProfile); inline != "" {
		p, err := LoadProfile([]byte(inline))
		if err != nil {
			return nil, err
		}
		L_debug("settings: profile loaded from environment", "provider", p.Provider)
		return p, nil
	}
	return nil, nil
}

// scanDangerousKeys walks the raw token stream and rejects dangerous
// object keys at any depth, before any value is materialized.
func scanDangerousKeys(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	// json.Decoder alternates key/value tokens inside objects, so we track
	// expectKey per object level; only key-position strings are checked.
	var stack []frame
	for {
		tok, err := dec.Token()
		if err != nil {
			// io.EOF ends the scan; malformed JSON is reported by the real
			// parse afterwards.
			return nil
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				markValueConsumed(stack)
				stack = append(stack, frame{object: true, expectKey: true})
			case '[':
				markValueConsumed(stack)
				stack = append(stack, frame{object: false})
			case '}', ']':
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
				markValueConsumed(stack)
			}
		case string:
			if len(stack) > 0 && stack[len(stack)-1].object && stack[len(stack)-1].expectKey {
				for _, bad := range dangerousKeys {
					if t == bad {
						return llmerr.New(llmerr.KindConfiguration, "",
							fmt.Sprintf("profile contains forbidden key %q", t))
					}
				}
				stack[len(stack)-1].expectKey = false
			} else {
				markValueConsumed(stack)
			}
		default:
			markValueConsumed(stack)
		}
	}
}

// markValueConsumed flips the enclosing object frame back to expecting a
// key after its value token completes.
func markValueConsumed(stack []frame) {
	if len(stack) > 0 && stack[len(stack)-1].object {
		stack[len(stack)-1].expectKey = true
	}
}

// frame is shared by scanDangerousKeys and markValueConsumed.
type frame struct {
	object    bool
	expectKey bool
}
