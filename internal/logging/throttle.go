package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Throttled wraps a logger for per-frame diagnostics. Entries beyond the
// configured rate are counted and reported with the next entry that passes.
type Throttled struct {
	log        *zap.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottled allows perSec entries per second with the given burst.
func NewThrottled(log *zap.Logger, perSec float64, burst int) *Throttled {
	if log == nil {
		log = zap.NewNop()
	}
	return &Throttled{log: log, limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

func (t *Throttled) Warn(msg string, fields ...zap.Field) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Int64("suppressed", n))
	}
	t.log.Warn(msg, fields...)
}

// Suppressed returns the number of entries dropped since the last one logged.
func (t *Throttled) Suppressed() int64 { return t.suppressed.Load() }
