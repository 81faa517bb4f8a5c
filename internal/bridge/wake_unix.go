//go:build unix

package bridge

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// WatchWakeSignal turns SIGUSR1 into a "wake" trigger until ctx is done.
// Host integrations send it after resume from sleep.
func WatchWakeSignal(ctx context.Context, m *Manager) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			m.Trigger("wake")
		}
	}
}
