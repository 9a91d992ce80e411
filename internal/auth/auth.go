// Package auth resolves credentials for provider calls: inline keys,
// keyfiles, and stored OAuth tokens. Secret material never appears in
// errors or log output; only paths and providers are named.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
)

// ReadKeyfile reads a credential file, expanding a leading ~ to the
// user's home directory and trimming surrounding whitespace. An empty
// file yields an empty key and no error. World-readable keyfiles get a
// warning, not a failure.
func ReadKeyfile(path string) (string, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", llmerr.Wrap(llmerr.KindConfiguration, "",
			fmt.Sprintf("cannot read keyfile %s", path), err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		L_warn("auth: keyfile is readable by other users", "path", path, "mode", info.Mode().Perm().String())
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return "", llmerr.Wrap(llmerr.KindConfiguration, "",
			fmt.Sprintf("cannot read keyfile %s", path), err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ExpandHome expands a leading ~/ to the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", llmerr.Wrap(llmerr.KindConfiguration, "", "cannot resolve home directory", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// ResolveKey picks the credential for a call: an inline auth-key wins
// over auth-keyfile; neither set means no key, which is fine for local
// endpoints. The returned string is the secret; callers must never log it.
func ResolveKey(authKey, authKeyfile string) (string, error) {
	if authKey != "" {
		return authKey, nil
	}
	if authKeyfile != "" {
		return ReadKeyfile(authKeyfile)
	}
	return "", nil
}

// ChatGPTAccountID extracts the chatgpt_account_id claim from an OAuth
// access token without verifying the signature. The backend verifies; we
// only need the routing header value.
func ChatGPTAccountID(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		L_debug("auth: access token is not a parseable JWT")
		return ""
	}
	if auth, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if id, ok := auth["chatgpt_account_id"].(string); ok {
			return id
		}
	}
	if id, ok := claims["chatgpt_account_id"].(string); ok {
		return id
	}
	return ""
}
