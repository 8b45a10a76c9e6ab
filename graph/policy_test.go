package graph

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{name: "single attempt", policy: RetryPolicy{MaxAttempts: 1}},
		{name: "with delays", policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}},
		{name: "no max cap", policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}},
		{name: "zero attempts", policy: RetryPolicy{MaxAttempts: 0}, wantErr: true},
		{name: "max below base", policy: RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("expected ErrInvalidRetryPolicy, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 10 * time.Millisecond
	maxDelay := 50 * time.Millisecond
	rng := rand.New(rand.NewSource(42))

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{attempt: 0, min: 10 * time.Millisecond, max: 20 * time.Millisecond},
		{attempt: 1, min: 20 * time.Millisecond, max: 30 * time.Millisecond},
		{attempt: 2, min: 40 * time.Millisecond, max: 50 * time.Millisecond},
		{attempt: 5, min: 50 * time.Millisecond, max: 60 * time.Millisecond},
	}

	for _, tt := range tests {
		got := computeBackoff(tt.attempt, base, maxDelay, rng)
		if got < tt.min || got >= tt.max {
			t.Errorf("attempt %d: delay %v outside [%v, %v)", tt.attempt, got, tt.min, tt.max)
		}
	}

	if got := computeBackoff(3, 0, maxDelay, rng); got != 0 {
		t.Errorf("zero base should yield no delay, got %v", got)
	}
}

func TestGetNodeTimeout(t *testing.T) {
	if got := getNodeTimeout(&NodePolicy{Timeout: time.Second}, time.Minute); got != time.Second {
		t.Errorf("policy timeout should win, got %v", got)
	}
	if got := getNodeTimeout(nil, time.Minute); got != time.Minute {
		t.Errorf("default timeout expected, got %v", got)
	}
	if got := getNodeTimeout(&NodePolicy{}, 0); got != 0 {
		t.Errorf("expected unlimited, got %v", got)
	}
}
