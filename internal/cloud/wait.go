package cloud

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

var errNotReady = errors.New("not ready")

// WaitFor polls check every interval until it reports done, the timeout
// elapses, or ctx is cancelled. Errors returned by check abort the wait.
func WaitFor(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	attempts := int(timeout / interval)
	if attempts < 1 {
		attempts = 1
	}
	return retry.Call(retry.CallArgs{
		Func: func() error {
			done, err := check(ctx)
			if err != nil {
				return err
			}
			if !done {
				return errNotReady
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errNotReady)
		},
		Attempts: attempts,
		Delay:    interval,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
}
