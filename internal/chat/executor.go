package chat

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxAttempts = 3

	// retryBaseDelay is the first backoff delay; each further attempt
	// doubles it up to retryMaxDelay.
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// maxRetryShift caps the bit-shift exponent in the backoff to
	// prevent integer overflow of time.Duration.
	maxRetryShift = 10

	// jitterDivisor controls the range of random jitter added to the
	// backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// RetryPolicy bounds how often a request is attempted. Backoff returns
// the wait after the given failed attempt (1-based).
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries retryable failures three times in total
// with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultMaxAttempts, Backoff: ExponentialBackoff}
}

// NoRetry performs a single attempt. Used where latency matters more
// than completeness.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ExponentialBackoff returns retryBaseDelay * 2^(attempt-1), capped at
// retryMaxDelay, plus up to 50% jitter.
func ExponentialBackoff(attempt int) time.Duration {
	shift := max(attempt-1, 0)
	shift = min(shift, maxRetryShift)

	delay := min(retryBaseDelay<<shift, retryMaxDelay)
	jitter := time.Duration(rand.Int64N(int64(delay)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for retry jitter

	return delay + jitter
}

func (p RetryPolicy) isZero() bool {
	return p.MaxAttempts == 0 && p.Backoff == nil
}

// Executor runs requests against a Transport under a retry policy.
type Executor struct {
	transport Transport
	policy    RetryPolicy
	logger    *slog.Logger

	// sleep waits for d or until ctx ends. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor whose default policy is used when a
// call passes the zero RetryPolicy.
func NewExecutor(transport Transport, policy RetryPolicy, logger *slog.Logger) *Executor {
	if policy.isZero() {
		policy = DefaultRetryPolicy()
	}

	return &Executor{
		transport: transport,
		policy:    policy,
		logger:    logger,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute issues req, retrying retryable failures per policy. Terminal
// failures are returned immediately; exhausting the policy returns a
// *RetriesExhaustedError wrapping the last failure.
func (e *Executor) Execute(ctx context.Context, req Request, policy RetryPolicy) ([]byte, error) {
	if policy.isZero() {
		policy = e.policy
	}

	attempts := max(policy.MaxAttempts, 1)

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		body, err := e.transport.Do(ctx, req)
		if err == nil {
			return body, nil
		}

		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil {
			e.logger.Debug("request failed",
				slog.String("request", req.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return nil, err
		}

		if attempt == attempts {
			break
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff(attempt)
		}

		e.logger.Debug("request failed, retrying",
			slog.String("request", req.String()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	e.logger.Warn("request failed after retries",
		slog.String("request", req.String()),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()),
	)

	return nil, &RetriesExhaustedError{Attempts: attempts, Err: lastErr}
}
