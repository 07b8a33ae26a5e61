package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStatus string

const (
	statusFailed   testStatus = "failed"
	statusCanceled testStatus = "canceled"
)

func testPolicy() Policy {
	return Policy{
		BaseDelay:   1000 * time.Millisecond,
		MaxDelay:    900000 * time.Millisecond,
		MaxAttempts: 5,
	}
}

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{name: "first failure waits base delay", attempt: 0, expected: 1000 * time.Millisecond},
		{name: "second failure doubles", attempt: 1, expected: 2000 * time.Millisecond},
		{name: "sixth failure", attempt: 5, expected: 32000 * time.Millisecond},
		{name: "large attempt clamps to max", attempt: 30, expected: 900000 * time.Millisecond},
		{name: "huge attempt does not overflow", attempt: 500, expected: 900000 * time.Millisecond},
		{name: "negative attempt treated as zero", attempt: -3, expected: 1000 * time.Millisecond},
	}

	policy := testPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.Delay(tt.attempt))
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		wantErr   bool
		errString string
	}{
		{name: "valid policy", policy: testPolicy()},
		{
			name:      "zero base delay",
			policy:    Policy{BaseDelay: 0, MaxDelay: time.Second, MaxAttempts: 3},
			wantErr:   true,
			errString: "base delay",
		},
		{
			name:      "max below base",
			policy:    Policy{BaseDelay: time.Minute, MaxDelay: time.Second, MaxAttempts: 3},
			wantErr:   true,
			errString: "max delay",
		},
		{
			name:      "no attempts",
			policy:    Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 0},
			wantErr:   true,
			errString: "max attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMachine_OnFailure(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	machine := Machine[testStatus]{
		Policy:    testPolicy(),
		Retrying:  statusFailed,
		Exhausted: statusCanceled,
	}

	t.Run("first of two attempts schedules a retry", func(t *testing.T) {
		out := machine.OnFailure(0, 2, "provider down", now)

		assert.Equal(t, statusFailed, out.Status)
		assert.Equal(t, 1, out.AttemptCount)
		assert.False(t, out.Terminal)
		require.NotNil(t, out.NextAttemptAt)
		assert.Equal(t, now.Add(time.Second), *out.NextAttemptAt)
		assert.Equal(t, "provider down", out.LastError)
	})

	t.Run("second of two attempts is terminal", func(t *testing.T) {
		out := machine.OnFailure(1, 2, "provider down again", now)

		assert.Equal(t, statusCanceled, out.Status)
		assert.Equal(t, 2, out.AttemptCount)
		assert.True(t, out.Terminal)
		assert.Nil(t, out.NextAttemptAt)
	})

	t.Run("backoff uses the pre-failure attempt count", func(t *testing.T) {
		out := machine.OnFailure(3, 10, "boom", now)

		require.NotNil(t, out.NextAttemptAt)
		assert.Equal(t, now.Add(8*time.Second), *out.NextAttemptAt)
		assert.Equal(t, 4, out.AttemptCount)
	})

	t.Run("zero max attempts falls back to policy", func(t *testing.T) {
		out := machine.OnFailure(4, 0, "boom", now)
		assert.True(t, out.Terminal)
		assert.Equal(t, 5, out.AttemptCount)
	})
}

type widget struct {
	id       string
	attempts int
}

func TestTracker_Fail(t *testing.T) {
	tracker := Tracker[widget, testStatus]{
		Machine: Machine[testStatus]{
			Policy:    testPolicy(),
			Retrying:  statusFailed,
			Exhausted: statusCanceled,
		},
		Key:      func(w widget) string { return w.id },
		Attempts: func(w widget) (int, int) { return w.attempts, 3 },
	}

	key, out := tracker.Fail(widget{id: "doc-A", attempts: 2}, errors.New("timeout"), time.Now())

	assert.Equal(t, "doc-A", key)
	assert.Equal(t, statusCanceled, out.Status)
	assert.Equal(t, 3, out.AttemptCount)
	assert.Equal(t, "timeout", out.LastError)
}
