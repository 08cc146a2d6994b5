// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package autherr

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// # Retry Policy

const (
	// retryCap bounds every exponential schedule.
	retryCap = 30 * time.Second

	// rateLimitedStep is the linear per-attempt delay for rate limiting.
	rateLimitedStep = 5 * time.Second
)

// baseInterval returns the first-attempt delay for the given code.
func baseInterval(code Code) time.Duration {
	switch code {
	case CodeNetwork:
		return 500 * time.Millisecond
	case CodeServiceUnavailable:
		return 2 * time.Second
	default:
		return 1 * time.Second
	}
}

// RetryDelay returns how long a caller should wait before retry number
// `attempt` (1-based) of an operation that failed with the given code.
//
// Schedules:
//   - rateLimited: linear, 5 s per attempt.
//   - network: exponential from 0.5 s, capped at 30 s.
//   - serviceUnavailable: exponential from 2 s, capped at 30 s.
//   - everything else: exponential from 1 s, capped at 30 s.
//
// Non-retryable codes always return 0: the caller must not retry.
func RetryDelay(code Code, attempt int) time.Duration {
	if !IsRetryable(code) {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	if code == CodeRateLimited {
		return time.Duration(attempt) * rateLimitedStep
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseInterval(code)
	policy.Multiplier = 2
	policy.MaxInterval = retryCap
	// Deterministic: schedules are part of the engine's contract.
	policy.RandomizationFactor = 0
	// Never report Stop; the attempt budget is the caller's concern.
	policy.MaxElapsedTime = 0

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}
