// Package retry provides the bounded retry helper the worker uses while
// establishing its initial connection to the host over the control
// socket: the socket file may not exist yet the instant the worker
// starts, so the first connect attempt is allowed to fail a few times
// before the worker gives up.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// Connect bounds how long the worker will keep retrying op (typically a
// net.Dial against the control socket) before giving up, using a constant
// backoff rather than exponential: the only thing being waited on is the
// host finishing its own setup, not contention that benefits from
// backing off harder over time.
func Connect(ctx context.Context, timeout time.Duration, op func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	return backoff.Retry(op, b)
}
