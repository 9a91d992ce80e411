// Package llmerr defines the error taxonomy for provider calls and the
// classification helpers the retry envelope relies on. Error strings carry
// provider name, HTTP status when known, a one-sentence cause, and the
// sanitized request ID; secrets never appear in them.
package llmerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind categorizes provider call errors for retry and failover decisions.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindConfiguration     Kind = "configuration"
	KindAuthentication    Kind = "authentication"
	KindRateLimited       Kind = "rate_limited"
	KindTransientUpstream Kind = "transient_upstream"
	KindBadUpstream       Kind = "bad_upstream"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindToolHistory       Kind = "tool_history"
	KindCancelled         Kind = "cancelled"
	KindFatal             Kind = "fatal"
)

// CallError is the error type surfaced by the call pipeline.
type CallError struct {
	Kind       Kind
	Provider   string
	Status     int           // HTTP status, 0 when unknown
	RetryAfter time.Duration // from retry-after headers on 429, 0 when absent
	RequestID  string        // sanitized request identifier
	Message    string        // one-sentence cause
	Err        error         // wrapped cause
}

func (e *CallError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " [request %s]", e.RequestID)
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// New builds a CallError.
func New(kind Kind, provider, message string) *CallError {
	return &CallError{Kind: kind, Provider: provider, Message: message}
}

// Wrap builds a CallError around a cause. An empty message falls back to
// the cause's text.
func Wrap(kind Kind, provider, message string, err error) *CallError {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &CallError{Kind: kind, Provider: provider, Message: message, Err: err}
}

// FromStatus classifies an HTTP status into a CallError. 4xx statuses are
// the caller's fault and never retry; 429 and 5xx are the upstream's.
func FromStatus(provider string, status int, message string) *CallError {
	return &CallError{Kind: StatusKind(status), Provider: provider, Status: status, Message: message}
}

// StatusKind maps an HTTP status to its error kind. A plain 400 is the
// upstream rejecting the payload outright; other 4xx mean the request
// itself was malformed. Neither retries.
func StatusKind(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuthentication
	case status == 404:
		return KindConfiguration
	case status == 400:
		return KindBadUpstream
	case status > 400 && status < 500:
		return KindInvalidRequest
	case status >= 500 && status < 600:
		return KindTransientUpstream
	default:
		return KindFatal
	}
}

// KindOf extracts the Kind from an error chain. Context cancellation and
// transient network failures are recognized even without a CallError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	if isNetworkTransient(err) {
		return KindTransientUpstream
	}
	return KindFatal
}

// IsRetryable reports whether the retry envelope should re-attempt.
// 429, 5xx, transient network failures, and mid-stream interruptions
// retry; 400, auth, config, history, and cancellation never do.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransientUpstream, KindStreamInterrupted:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the rate-limit retry hint, 0 when absent.
func RetryAfterOf(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// StatusOf returns the HTTP status from the error chain, 0 when unknown.
func StatusOf(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}

// isNetworkTransient recognizes connection resets, timeouts, and DNS
// hiccups that are worth retrying.
func isNetworkTransient(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// Some transports only surface these as strings.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "broken pipe")
}
