package measurer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
)

// transient reports whether a failed attempt is worth retrying. Status
// errors are retried only for 5xx and 429. Anything interrupted by the
// phase context is final.
func transient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var failure *model.TransferFailure
	if errors.As(err, &failure) && failure.StatusCode != 0 {
		return failure.StatusCode >= 500 || failure.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// attempt is a single try of a transfer. It returns the bytes it moved,
// even on failure.
type attempt func(ctx context.Context) (int64, error)

// retry runs fn up to maxAttempts times, waiting delay between attempts and
// stopping at the first success or non-transient error. It returns the total
// bytes moved, the number of attempts made and the last error.
func retry(ctx context.Context, maxAttempts int, delay time.Duration,
	fn attempt) (int64, int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var (
		total int64
		n     int
		last  error
	)
	op := func() error {
		n++
		moved, err := fn(ctx)
		total += moved
		last = err
		if err != nil && !transient(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxAttempts-1)), ctx)
	err := backoff.Retry(op, b)
	if err != nil && last != nil {
		// Report the transfer error rather than the context error when the
		// phase ends during the wait.
		err = last
	}
	return total, n, err
}
