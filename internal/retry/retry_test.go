package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/llxprt/llxprt/internal/llmerr"
)

func fastOpts() Options {
	return Options{
		Retries:         2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func rateLimited() error {
	return &llmerr.CallError{Kind: llmerr.KindRateLimited, Provider: "test", Status: 429, Message: "too many requests"}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastOpts(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", rateLimited()
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if v != "ok" {
		t.Errorf("got %q, want ok", v)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestDoDoesNotRetryBadRequest(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastOpts(), func(ctx context.Context) (int, error) {
		calls++
		return 0, &llmerr.CallError{Kind: llmerr.KindBadUpstream, Status: 400, Message: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("400 must not be retried, got %d calls", calls)
	}
}

func TestDoDoesNotRetryCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, fastOpts(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("should not run")
	})
	if llmerr.KindOf(err) != llmerr.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if calls != 0 {
		t.Errorf("cancelled context must short-circuit, got %d calls", calls)
	}
}

type fakeFailover struct {
	enabled   bool
	rotations int
	budget    int
	bucket    string
}

func (f *fakeFailover) IsEnabled() bool { return f.enabled }
func (f *fakeFailover) TryFailover(ctx context.Context) bool {
	if f.budget <= 0 {
		return false
	}
	f.budget--
	f.rotations++
	f.bucket = "bucket-b"
	return true
}
func (f *fakeFailover) CurrentBucket() string { return f.bucket }

func TestFailoverNotConsultedWhenRetrySucceeds(t *testing.T) {
	fo := &fakeFailover{enabled: true, budget: 1, bucket: "bucket-a"}
	opts := fastOpts()
	opts.Failover = fo

	calls := 0
	_, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", rateLimited()
		}
		return "payload", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if fo.rotations != 0 {
		t.Errorf("failover consulted %d times, want 0", fo.rotations)
	}
}

func TestFailoverRotatesOnceThenSurfacesRateLimit(t *testing.T) {
	fo := &fakeFailover{enabled: true, budget: 1, bucket: "bucket-a"}
	opts := fastOpts()
	opts.Failover = fo

	calls := 0
	_, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		return "", rateLimited()
	})
	if llmerr.KindOf(err) != llmerr.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if fo.rotations != 1 {
		t.Errorf("got %d rotations, want exactly 1", fo.rotations)
	}
	// Two full epochs: (retries+1) before rotation and after.
	if calls != 6 {
		t.Errorf("got %d calls, want 6", calls)
	}
}

func TestOnFailoverRunsAfterRotationOnly(t *testing.T) {
	fo := &fakeFailover{enabled: true, budget: 1, bucket: "bucket-a"}
	opts := fastOpts()
	opts.Failover = fo

	var hookCalls, callsAtHook int
	calls := 0
	opts.OnFailover = func() {
		hookCalls++
		callsAtHook = calls
	}

	_, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		// Rate-limited through the first epoch; the rotated bucket succeeds.
		if hookCalls == 0 {
			return "", rateLimited()
		}
		return "payload", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if hookCalls != 1 {
		t.Errorf("hook ran %d times, want 1", hookCalls)
	}
	// The hook fires between the exhausted epoch and the fresh one, so the
	// re-resolved context is in place before any post-rotation attempt.
	if callsAtHook != opts.Retries+1 {
		t.Errorf("hook ran after %d calls, want %d", callsAtHook, opts.Retries+1)
	}
	if calls != opts.Retries+2 {
		t.Errorf("got %d calls, want %d", calls, opts.Retries+2)
	}
}

func TestFailoverDisabledSurfacesRateLimit(t *testing.T) {
	fo := &fakeFailover{enabled: false, budget: 5}
	opts := fastOpts()
	opts.Failover = fo

	_, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		return "", rateLimited()
	})
	if llmerr.KindOf(err) != llmerr.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if fo.rotations != 0 {
		t.Errorf("disabled failover must not rotate, got %d", fo.rotations)
	}
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	start := time.Now()
	calls := 0
	hint := 30 * time.Millisecond
	_, err := Do(context.Background(), fastOpts(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &llmerr.CallError{Kind: llmerr.KindRateLimited, Status: 429, RetryAfter: hint}
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("retry-after hint ignored: waited %v, want >= %v", elapsed, hint)
	}
}

func TestStreamExposesAttemptCount(t *testing.T) {
	var attempts []int
	err := Stream(context.Background(), fastOpts(), func(ctx context.Context, attemptNum int) error {
		attempts = append(attempts, attemptNum)
		if attemptNum < 2 {
			return &llmerr.CallError{Kind: llmerr.KindStreamInterrupted, Message: "connection reset mid-stream"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("got attempts %v, want [1 2]", attempts)
	}
}
