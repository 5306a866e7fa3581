// Package retry provides exponential backoff retry logic for transient failures.
//
// A StreamWriter retries a frame send while the error classifies as
// transient, the registry client retries backend reads and writes, and a
// pipeline retries its subscription while connecting (Quick).
//
//	cfg := errors.DefaultRetryConfig().ToRetryConfig()
//	cfg.Retryable = errors.IsTransient
//	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("Retrying send", "attempt", attempt, "error", err)
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    return topic.Send(ctx, frame)
//	})
package retry
