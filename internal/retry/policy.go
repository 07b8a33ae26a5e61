package retry

import (
	"fmt"
	"time"
)

// Policy holds the backoff and attempt ceiling for one kind of retryable work
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Validate checks that the policy can produce sane schedules
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be greater than 0")
	}

	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry max delay (%s) must not be less than base delay (%s)", p.MaxDelay, p.BaseDelay)
	}

	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be greater than 0")
	}

	return nil
}

// Delay returns min(MaxDelay, BaseDelay * 2^attempt). attempt is the number of
// failures recorded before the current one, so the first retry waits BaseDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		// Doubling past half the cap would overshoot it (and eventually overflow)
		if delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}

	if delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}
