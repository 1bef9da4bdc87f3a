package ai

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CallWithRetry runs fn with bounded exponential backoff. Provider calls are
// blocking I/O; the context bounds the total wait so no call blocks forever.
func CallWithRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
	return backoff.Retry(fn, policy)
}
