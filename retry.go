package funnel

import (
	"time"

	"github.com/netsendo/funnel/pkg/api"
)

// RetryBuilder provides a fluent way to construct the reminder policy of a
// waiting condition, for use with FunnelBuilder.WaitFor.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder that sends at most maxAttempts reminders.
//
// maxAttempts <= 0 disables reminders: the enrollment waits silently.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		return RetryBuilder{}
	}
	return RetryBuilder{
		policy: RetryPolicy{
			Enabled:     true,
			MaxAttempts: maxAttempts,
		},
	}
}

// NoRetry waits for the condition without sending reminders.
func NoRetry() RetryBuilder { return RetryBuilder{} }

// Every sets the time between reminders, measured from the later of the
// previous reminder and the moment the condition started waiting.
//
// Example:
//
//	Retry(3).Every(24 * time.Hour)
func (r RetryBuilder) Every(interval time.Duration) RetryBuilder {
	p := r.policy
	p.Interval = interval
	return RetryBuilder{policy: p}
}

// Reminder sets the message sent on each retry.
func (r RetryBuilder) Reminder(messageID string) RetryBuilder {
	p := r.policy
	p.MessageID = messageID
	return RetryBuilder{policy: p}
}

// ThenContinue follows the condition's false branch once reminders are
// exhausted. This is the default.
func (r RetryBuilder) ThenContinue() RetryBuilder {
	return r.then(api.ExhaustedContinue)
}

// ThenExit ends the enrollment as exited once reminders are exhausted.
func (r RetryBuilder) ThenExit() RetryBuilder {
	return r.then(api.ExhaustedExit)
}

// ThenUnsubscribe unsubscribes the subscriber from the funnel's list and
// exits once reminders are exhausted.
func (r RetryBuilder) ThenUnsubscribe() RetryBuilder {
	return r.then(api.ExhaustedUnsubscribeExit)
}

func (r RetryBuilder) then(p api.ExhaustedPolicy) RetryBuilder {
	policy := r.policy
	policy.OnExhausted = p
	return RetryBuilder{policy: policy}
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
