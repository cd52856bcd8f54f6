package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"
)

func recordingPolicy(slept *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return p
}

func TestDefaultRetryPolicySchedule(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(p.Delays) != len(want) {
		t.Fatalf("delays = %v", p.Delays)
	}
	for i := range want {
		if p.Delays[i] != want[i] {
			t.Fatalf("delay %d = %s, want %s", i, p.Delays[i], want[i])
		}
	}
	if p.MaxAttempts() != 4 {
		t.Fatalf("max attempts = %d", p.MaxAttempts())
	}
	if _, ok := p.Next(4, &StatusError{StatusCode: 503}); ok {
		t.Fatalf("no retry expected after the fourth attempt")
	}
	if _, ok := p.Next(1, &RejectedError{StatusCode: 400}); ok {
		t.Fatalf("4xx must not be retried")
	}
}

func TestRetryPolicySucceedsOnFourthAttempt(t *testing.T) {
	var slept []time.Duration
	p := recordingPolicy(&slept)
	attempts := 0
	err := p.Do(context.Background(), func(attempt int) error {
		attempts++
		if attempt < 4 {
			return &StatusError{StatusCode: 503}
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	if fmt.Sprint(slept) != "[1s 2s 4s]" {
		t.Fatalf("slept = %v", slept)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	var slept []time.Duration
	p := recordingPolicy(&slept)
	attempts := 0
	var retries []int
	err := p.Do(context.Background(), func(int) error {
		attempts++
		return &StatusError{StatusCode: 503}
	}, func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) })
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	if len(retries) != 3 {
		t.Fatalf("retries = %v, want 3", retries)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 4 {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != 503 {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
}

func TestRetryPolicyRejectedIsImmediate(t *testing.T) {
	var slept []time.Duration
	p := recordingPolicy(&slept)
	attempts := 0
	err := p.Do(context.Background(), func(int) error {
		attempts++
		return &RejectedError{StatusCode: 401}
	}, nil)
	if attempts != 1 || len(slept) != 0 {
		t.Fatalf("attempts=%d slept=%v", attempts, slept)
	}
	if !IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestRetryPolicyCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultRetryPolicy()
	attempts := 0
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}
	err := p.Do(ctx, func(int) error {
		attempts++
		return &StatusError{StatusCode: 502}
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"503", &StatusError{StatusCode: 503}, true},
		{"500 wrapped", fmt.Errorf("call: %w", &StatusError{StatusCode: 500}), true},
		{"404", &RejectedError{StatusCode: 404}, false},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"message fallback", errors.New("dial tcp: connection refused"), true},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewRetryPolicyCustomSchedule(t *testing.T) {
	p := NewRetryPolicy(2, 10*time.Millisecond)
	if fmt.Sprint(p.Delays) != "[10ms 20ms]" {
		t.Fatalf("delays = %v", p.Delays)
	}
	if p := NewRetryPolicy(-1, time.Second); p.MaxAttempts() != 1 {
		t.Fatalf("negative retries should mean a single attempt")
	}
}
