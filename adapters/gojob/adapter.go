package gojob

import (
	"time"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// JobIDRetryDispatch wakes a consumer to run one retry batch once a failed
// delivery's retry_at passes.
const JobIDRetryDispatch = "hooks.retry.dispatch"

// WakeupPolicy redelivers a failed wake-up with exponential backoff from
// base up to max and dead-letters it on the maxAttempts-th failure. The
// delivery's own retry budget lives in the store and is not affected.
func WakeupPolicy(maxAttempts int, base, max time.Duration) worker.RetryPolicy {
	return worker.DefaultRetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: worker.BackoffConfig{
			Strategy:    worker.BackoffExponential,
			Interval:    base,
			MaxInterval: max,
		},
	}
}

func retryLater(delay time.Duration, reason string) queue.NackOptions {
	if delay < 0 {
		delay = 0
	}
	return queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: delay, Reason: reason}
}

func deadLetter(reason string) queue.NackOptions {
	return queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: reason}
}

// deliveryAttempts reads the queue's own redelivery counter. Queues that
// do not track one report a first attempt.
func deliveryAttempts(delivery queue.Delivery) int {
	if counted, ok := delivery.(interface{ Attempts() int }); ok {
		if attempts := counted.Attempts(); attempts > 0 {
			return attempts
		}
	}
	return 1
}
