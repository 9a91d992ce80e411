package provider

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/llxprt/llxprt/internal/llmerr"
)

// maxErrorBody bounds how much of an error response is read for the
// message.
const maxErrorBody = 8 * 1024

// HTTPError folds a non-2xx response into the error taxonomy, honoring
// Retry-After and request-id headers. The body is consumed (bounded) for
// the upstream message; authorization material never appears in it.
func HTTPError(providerName string, resp *http.Response) *llmerr.CallError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	e := llmerr.FromStatus(providerName, resp.StatusCode, upstreamMessage(body))
	e.RequestID = requestID(resp.Header)
	if resp.StatusCode == http.StatusTooManyRequests {
		e.RetryAfter = retryAfter(resp.Header)
	}
	return e
}

// upstreamMessage extracts a human-readable cause from an error body.
// OpenAI-style {"error":{"message":...}} and Gemini-style
// [{"error":{"message":...}}] both unwrap; anything else is used as
// trimmed text.
func upstreamMessage(body []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	var list []struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 && list[0].Error.Message != "" {
		return list[0].Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}

func requestID(h http.Header) string {
	for _, name := range []string{"X-Request-Id", "Request-Id", "Cf-Ray"} {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// retryAfter parses the Retry-After header, either delta-seconds or an
// HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
