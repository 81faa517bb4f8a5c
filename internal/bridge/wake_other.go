//go:build !unix

package bridge

import "context"

// WatchWakeSignal blocks until ctx is done; there is no wake signal on this platform.
func WatchWakeSignal(ctx context.Context, m *Manager) {
	<-ctx.Done()
}
