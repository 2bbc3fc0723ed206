package httpcore

import (
	"context"
	"time"
)

// watchIdle fires onTimeout once no read activity has been observed (via
// active) for a full timeout window. DESIGN.md's Open Question resolution
// #3 settles idle timeout as a plain connection shutdown with no
// user-visible event, so onTimeout is always a connection teardown call.
func watchIdle(ctx context.Context, timeout time.Duration, active func() bool, onTimeout func()) {
	if timeout <= 0 {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !active() {
				onTimeout()
				return
			}
			t.Reset(timeout)
		}
	}
}
