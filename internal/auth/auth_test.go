package auth

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadKeyfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("  sk-test-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := ReadKeyfile(path)
	if err != nil {
		t.Fatalf("ReadKeyfile: %v", err)
	}
	if key != "sk-test-123" {
		t.Errorf("key = %q, want trimmed", key)
	}
}

func TestReadKeyfileEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := ReadKeyfile(path)
	if err != nil {
		t.Fatalf("empty keyfile should not error: %v", err)
	}
	if key != "" {
		t.Errorf("key = %q, want empty", key)
	}
}

func TestReadKeyfileMissing(t *testing.T) {
	if _, err := ReadKeyfile(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("missing keyfile should error")
	}
}

func TestReadKeyfileExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.WriteFile(filepath.Join(home, "key"), []byte("sk-home"), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := ReadKeyfile("~/key")
	if err != nil {
		t.Fatalf("ReadKeyfile: %v", err)
	}
	if key != "sk-home" {
		t.Errorf("key = %q", key)
	}
}

func TestResolveKeyPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := ResolveKey("inline", path)
	if err != nil || key != "inline" {
		t.Errorf("inline key should win: %q %v", key, err)
	}

	key, err = ResolveKey("", path)
	if err != nil || key != "from-file" {
		t.Errorf("keyfile fallback: %q %v", key, err)
	}

	key, err = ResolveKey("", "")
	if err != nil || key != "" {
		t.Errorf("no source should be empty, nil: %q %v", key, err)
	}
}

func fakeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return header + "." + payload + "."
}

func TestChatGPTAccountID(t *testing.T) {
	tok := fakeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-123",
		},
	})
	if got := ChatGPTAccountID(tok); got != "acct-123" {
		t.Errorf("namespaced claim: %q", got)
	}

	tok = fakeJWT(t, map[string]any{"chatgpt_account_id": "acct-flat"})
	if got := ChatGPTAccountID(tok); got != "acct-flat" {
		t.Errorf("flat claim: %q", got)
	}

	if got := ChatGPTAccountID("not-a-jwt"); got != "" {
		t.Errorf("garbage token: %q", got)
	}
	if got := ChatGPTAccountID(fakeJWT(t, map[string]any{"sub": "x"})); got != "" {
		t.Errorf("claimless token: %q", got)
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	store, err := NewTokenStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if tok, err := store.Load("gemini"); err != nil || tok != nil {
		t.Errorf("missing token should be nil,nil: %v %v", tok, err)
	}

	in := &OAuthToken{AccessToken: "ya29.test", RefreshToken: "1//r", ProjectID: "proj"}
	if err := store.Save("gemini", in); err != nil {
		t.Fatal(err)
	}

	out, err := store.Load("gemini")
	if err != nil {
		t.Fatal(err)
	}
	if out.AccessToken != "ya29.test" || out.ProjectID != "proj" {
		t.Errorf("token = %+v", out)
	}

	if err := store.Delete("gemini"); err != nil {
		t.Fatal(err)
	}
	if tok, _ := store.Load("gemini"); tok != nil {
		t.Error("token survived delete")
	}
	if err := store.Delete("gemini"); err != nil {
		t.Error("double delete should not error")
	}
}

func TestTokenStoreRejectsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTokenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "openai.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load("openai"); err == nil {
		t.Error("corrupt token accepted")
	}
	// The error must not echo file contents.
	if err := os.WriteFile(filepath.Join(dir, "openai.json"), []byte(`{"refresh_token":"secret"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = store.Load("openai")
	if err == nil {
		t.Fatal("token without access_token accepted")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Error("error leaks token contents")
	}
}

func TestOAuthTokenExpired(t *testing.T) {
	if (&OAuthToken{}).Expired() {
		t.Error("zero expiry should never expire")
	}
	if !(&OAuthToken{Expiry: 1}).Expired() {
		t.Error("past expiry should be expired")
	}
}
