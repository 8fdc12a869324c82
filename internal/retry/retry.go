package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gxo-labs/jsonl/internal/secrets"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
)

// Operation is one attempt of a retried action.
type Operation func(ctx context.Context) error

// Config controls attempts and the delay between them. Delay grows by
// BackoffFactor per attempt, is spread by +/- Jitter and capped at MaxDelay.
type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
	// Label prefixes log lines, e.g. "sink".
	Label string
}

// Helper runs operations with retries and logs each failed attempt. Error
// text containing a tracked secret is masked before it is logged or returned.
type Helper struct {
	log     jsonllog.Logger
	tracker *secrets.SecretTracker

	randMu     sync.Mutex
	randSource *rand.Rand
}

// NewHelper creates a Helper. Panics if log is nil.
func NewHelper(log jsonllog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:        log,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSecretTracker enables masking of tracked secrets in errors.
func (h *Helper) SetSecretTracker(t *secrets.SecretTracker) {
	h.tracker = t
}

// Do runs op until it succeeds, the attempts are used up or ctx is done. It
// returns nil on success and the last error otherwise.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.Jitter < 0.0 {
		cfg.Jitter = 0.0
	} else if cfg.Jitter > 1.0 {
		cfg.Jitter = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}

	var lastErr error
	logPrefix := ""
	if cfg.Label != "" {
		logPrefix = cfg.Label + ": "
	}

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			h.log.Warnf("%sRetry attempt %d/%d cancelled before start: %v", logPrefix, attempt, cfg.Attempts, ctx.Err())
			if lastErr == nil {
				return ctx.Err()
			}
			return fmt.Errorf("retry cancelled after %d attempts with last error: %w (context: %v)", attempt-1, h.redact(lastErr), ctx.Err())
		default:
		}

		err := op(ctx)
		lastErr = err
		if err == nil {
			if attempt > 1 {
				h.log.Infof("%sOperation succeeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}
		if attempt == cfg.Attempts {
			break
		}

		wait := h.delay(cfg, attempt)
		h.log.Warnf("%sOperation failed on attempt %d/%d (retrying in %v): %v",
			logPrefix, attempt, cfg.Attempts, wait.Truncate(time.Millisecond), h.redact(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			h.log.Warnf("%sRetry delay for attempt %d/%d cancelled: %v", logPrefix, attempt+1, cfg.Attempts, ctx.Err())
			return fmt.Errorf("retry delay cancelled after attempt %d with error: %w (context: %v)", attempt, h.redact(lastErr), ctx.Err())
		}
	}

	if lastErr != nil {
		redacted := h.redact(lastErr)
		if cfg.Attempts > 1 {
			h.log.Errorf("%sOperation failed definitively after %d attempts: %v", logPrefix, cfg.Attempts, redacted)
		}
		return redacted
	}
	return jsonlerrors.NewConfigError("retry loop finished unexpectedly without success or error", nil)
}

func (h *Helper) delay(cfg Config, attempt int) time.Duration {
	base := float64(cfg.Delay)
	if cfg.BackoffFactor > 1.0 {
		base *= math.Pow(cfg.BackoffFactor, float64(attempt-1))
	}
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)

	if cfg.Jitter > 0.0 {
		h.randMu.Lock()
		factor := cfg.Jitter * (h.randSource.Float64()*2.0 - 1.0)
		h.randMu.Unlock()
		wait += time.Duration(float64(wait) * factor)
		if wait < 0 {
			wait = 0
		}
	}
	if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
		wait = cfg.MaxDelay
	}
	return wait
}

// redactedError hides the message of an error that mentions a tracked secret
// while keeping it reachable for errors.Is and errors.As.
type redactedError struct {
	cause error
}

func (e *redactedError) Error() string { return "[REDACTED_SECRET]" }
func (e *redactedError) Unwrap() error { return e.cause }

func (h *Helper) redact(err error) error {
	if err == nil || !h.tracker.ContainsTrackedSecret(err.Error()) {
		return err
	}
	return &redactedError{cause: err}
}
