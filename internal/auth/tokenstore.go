package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/llxprt/llxprt/internal/llmerr"
	. "github.com/llxprt/llxprt/internal/logging"
)

// OAuthToken is a stored OAuth credential for one provider.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Expiry       int64  `json:"expiry,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// Expired reports whether the token is past its expiry, with a minute of
// slack so a token never dies mid-request.
func (t *OAuthToken) Expired() bool {
	if t.Expiry == 0 {
		return false
	}
	return time.Now().Add(time.Minute).Unix() >= t.Expiry
}

// TokenStore persists OAuth tokens under a base directory, one JSON file
// per provider.
type TokenStore struct {
	dir string
}

// NewTokenStore opens a token store rooted at dir; empty dir means
// ~/.llxprt/oauth.
func NewTokenStore(dir string) (*TokenStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, llmerr.Wrap(llmerr.KindConfiguration, "", "cannot resolve home directory", err)
		}
		dir = filepath.Join(home, ".llxprt", "oauth")
	}
	return &TokenStore{dir: dir}, nil
}

func (s *TokenStore) path(provider string) string {
	return filepath.Join(s.dir, provider+".json")
}

// Load reads the stored token for a provider; a missing file yields
// (nil, nil).
func (s *TokenStore) Load(provider string) (*OAuthToken, error) {
	data, err := os.ReadFile(s.path(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, llmerr.Wrap(llmerr.KindAuthentication, provider, "cannot read stored token", err)
	}
	var tok OAuthToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, llmerr.Wrap(llmerr.KindAuthentication, provider, "stored token is corrupt", err)
	}
	if tok.AccessToken == "" {
		return nil, llmerr.New(llmerr.KindAuthentication, provider, "stored token has no access token")
	}
	return &tok, nil
}

// Save writes a provider token with owner-only permissions.
func (s *TokenStore) Save(provider string, tok *OAuthToken) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return llmerr.Wrap(llmerr.KindConfiguration, provider, "cannot create token directory", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.WriteFile(s.path(provider), data, 0o600); err != nil {
		return llmerr.Wrap(llmerr.KindConfiguration, provider, "cannot write token file", err)
	}
	L_debug("auth: token saved", "provider", provider)
	return nil
}

// Delete removes a provider's stored token; absence is not an error.
func (s *TokenStore) Delete(provider string) error {
	err := os.Remove(s.path(provider))
	if err != nil && !os.IsNotExist(err) {
		return llmerr.Wrap(llmerr.KindConfiguration, provider, "cannot remove token file", err)
	}
	return nil
}
