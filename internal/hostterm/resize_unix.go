//go:build unix

package hostterm

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// NotifyResize implements Console using SIGWINCH.
func (t *TTY) NotifyResize(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGWINCH)

	out := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
