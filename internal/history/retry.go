package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/constants"
	"go.uber.org/zap"
)

// retryConfig holds the backoff settings for transient store errors
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

var transientFragments = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"i/o timeout",
	"EOF",
	"server selection timeout",
	"no reachable servers",
	"connection pool",
	"socket",
}

// isRetryableError reports whether err looks like a network or transient server error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, f := range transientFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// retryOperation runs fn with exponential backoff while it fails with a
// retryable error and attempts remain.
func retryOperation(ctx context.Context, cfg retryConfig, logger *zap.SugaredLogger, operation string, fn func() error) error {
	var lastErr error
	delay := cfg.initialDelay

	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		if attempt < cfg.maxAttempts {
			logger.Warnw("Store operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", cfg.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * cfg.multiplier)
			if delay > cfg.maxDelay {
				delay = cfg.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.maxAttempts, lastErr)
}
