package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

var (
	retryBase = 1 * time.Second
	retryMax  = 60 * time.Second
)

// connectFunc opens a session and returns a channel closed when it ends.
type connectFunc func(ctx context.Context) (<-chan struct{}, error)

// connectWithRetry keeps a session up until ctx is cancelled. Failed
// attempts back off from 1s, doubling up to 60s; after maxAttempts failures
// it keeps trying at the max interval. A session that ends resets the
// backoff and reconnects immediately.
func connectWithRetry(ctx context.Context, log *zap.Logger, maxAttempts int, connect connectFunc) {
	delay := retryBase
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		done, err := connect(ctx)
		if err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Warn("connect failed", zap.Int("attempt", attempt), zap.Int("max", maxAttempts),
					zap.Duration("retry_in", delay), zap.Error(err))
			} else {
				log.Warn("connect failed", zap.Int("attempt", attempt),
					zap.Duration("retry_in", delay), zap.Error(err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > retryMax {
				delay = retryMax
			}
			continue
		}

		log.Info("connected", zap.Int("attempt", attempt+1))
		attempt = 0
		delay = retryBase

		select {
		case <-ctx.Done():
			return
		case <-done:
		}
	}
}
