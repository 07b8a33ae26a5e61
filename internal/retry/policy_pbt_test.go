package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPolicy_DelayProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	policy := testPolicy()

	properties.Property("delay never exceeds the cap", prop.ForAll(
		func(attempt int) bool {
			return policy.Delay(attempt) <= policy.MaxDelay
		},
		gen.IntRange(0, 10000),
	))

	properties.Property("delay never drops below the base", prop.ForAll(
		func(attempt int) bool {
			return policy.Delay(attempt) >= policy.BaseDelay
		},
		gen.IntRange(0, 10000),
	))

	properties.Property("delay is monotonic in attempt", prop.ForAll(
		func(attempt int) bool {
			return policy.Delay(attempt) <= policy.Delay(attempt+1)
		},
		gen.IntRange(0, 10000),
	))

	properties.Property("attempt count always advances by one", prop.ForAll(
		func(count, limit int) bool {
			machine := Machine[testStatus]{Policy: policy, Retrying: statusFailed, Exhausted: statusCanceled}
			out := machine.OnFailure(count, limit, "err", time.Now())
			return out.AttemptCount == count+1 && out.Terminal == (count+1 >= limit)
		},
		gen.IntRange(0, 50),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
