package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/objectfs/iosched/pkg/errors"
)

func quick(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.Jitter = false
	return config
}

// failing returns fn failing with err for the first n calls.
func failing(n int, err error, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	unavailable := errors.New(errors.ErrCodeRemoteUnavailable, "bucket unreachable")
	notFound := errors.New(errors.ErrCodeRemoteNotFound, "no such key")

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantCode  errors.ErrorCode
	}{
		{"first attempt succeeds", 0, unavailable, 1, ""},
		{"recovers on last attempt", 2, unavailable, 3, ""},
		{"not found is final", 5, notFound, 1, errors.ErrCodeRemoteNotFound},
		{"budget spent", 5, unavailable, 3, errors.ErrCodeRetryExhausted},
		{"plain errors are final", 5, stderr.New("boom"), 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := New(quick(3)).Do(context.Background(), "upload", failing(tt.failures, tt.err, &calls))
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			switch {
			case tt.failures < tt.wantCalls:
				if err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			case tt.wantCode != "":
				if !errors.HasCode(err, tt.wantCode) {
					t.Errorf("Expected %s, got %v", tt.wantCode, err)
				}
			default:
				if err != tt.err {
					t.Errorf("Expected the original error, got %v", err)
				}
			}
		})
	}
}

func TestExhaustedWrapsLastFailure(t *testing.T) {
	last := errors.New(errors.ErrCodeRemoteUnavailable, "throttled")
	calls := 0
	err := New(quick(2)).Do(context.Background(), "download", failing(10, last, &calls))

	if !stderr.Is(err, last) {
		t.Errorf("Expected exhausted error to wrap the last failure, got %v", err)
	}
	var se *errors.SchedError
	if !stderr.As(err, &se) || se.Operation != "download" {
		t.Errorf("Expected operation download, got %+v", se)
	}
}

func TestCodeListOverridesFlag(t *testing.T) {
	config := quick(2)
	config.RetryableErrors = []errors.ErrorCode{errors.ErrCodePersistenceWrite}

	calls := 0
	_ = New(config).Do(context.Background(), "upload",
		failing(10, errors.New(errors.ErrCodePersistenceWrite, "disk full"), &calls))
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestCancelledWhileWaiting(t *testing.T) {
	mock := clock.NewMock()
	config := quick(10)
	config.InitialDelay = time.Minute
	config.Clock = mock

	ctx, cancel := context.WithCancel(context.Background())
	config.OnRetry = func(int, error, time.Duration) { cancel() }

	calls := 0
	err := New(config).Do(ctx, "upload",
		failing(10, errors.New(errors.ErrCodeRemoteUnavailable, "connection refused"), &calls))

	if calls != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", calls)
	}
	if !stderr.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
	if !errors.HasCode(err, errors.ErrCodeOperationTimeout) || errors.IsRetryable(err) {
		t.Errorf("Expected a final OPERATION_TIMEOUT, got %v", err)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := New(quick(3)).Do(ctx, "download", failing(0, nil, &calls))
	if calls != 0 {
		t.Errorf("Expected no attempt, got %d", calls)
	}
	if !stderr.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBackoffDoubles(t *testing.T) {
	config := quick(4)
	config.InitialDelay = 10 * time.Millisecond

	var delays []time.Duration
	config.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	calls := 0
	_ = New(config).Do(context.Background(), "upload",
		failing(10, errors.New(errors.ErrCodeOperationTimeout, "slow"), &calls))

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("Expected %d delays, got %v", len(want), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestBackoffCapAndJitter(t *testing.T) {
	capped := New(Config{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 3})
	for attempt := 1; attempt < 6; attempt++ {
		if d := capped.backoff(attempt); d > 2*time.Second {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
	}

	config := DefaultConfig()
	config.InitialDelay = 100 * time.Millisecond
	jittered := New(config)
	for i := 0; i < 100; i++ {
		if d := jittered.backoff(1); d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside 20%%", d)
		}
	}
}

func TestNewFillsDefaults(t *testing.T) {
	r := New(Config{})
	if r.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", r.Attempts())
	}
	if r.config.MaxDelay < r.config.InitialDelay || r.config.Clock == nil {
		t.Errorf("unexpected defaults %+v", r.config)
	}
}
