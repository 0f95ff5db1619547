package sqlgateway

import (
	"context"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

const (
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// transientClassifier retries only connection-establishment failures that may
// succeed on a second try. Everything else fails immediately.
type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case isTransient(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// retryConnect runs connect under an exponential backoff of cfg.Attempts tries
// in total. It reports how many attempts were made.
func retryConnect(ctx context.Context, cfg RetryConfig, connect func(ctx context.Context) error) (int, error) {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}

	r := retrier.New(retrier.ExponentialBackoff(attempts-1, base), transientClassifier{})

	made := 0
	err := r.RunCtx(ctx, func(ctx context.Context) error {
		made++
		return connect(ctx)
	})
	return made, err
}
