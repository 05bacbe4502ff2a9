// Package retry re-runs operations that fail with transient errors.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds the whole sequence of attempts. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	Timeout:        time.Minute,
}

// Retrier runs operations with exponential backoff and jitter.
type Retrier struct {
	config Config
	logger logrus.FieldLogger
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(config Config, logger logrus.FieldLogger) *Retrier {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Retrier{config: config, logger: logger, sleep: sleepCtx}
}

// Do calls fn until it succeeds, fails permanently or runs out of attempts.
func Do[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.WithField("op", op).WithField("attempt", attempt+1).Debug("Succeeded after retry")
			}
			return v, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.config.MaxRetries {
			break
		}
		r.logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn("Transient error, retrying")
		if err := r.sleep(ctx, backoff); err != nil {
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, err)
		}
		backoff = r.nextBackoff(backoff)
	}

	if !IsTransient(lastErr) {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, r.config.MaxRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Retrier) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > r.config.MaxBackoff {
		backoff = r.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransient reports whether err looks like a network or server hiccup.
// Context errors are never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"server error",
		"too many simultaneous queries",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
