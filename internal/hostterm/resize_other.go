//go:build !unix

package hostterm

import "context"

// NotifyResize implements Console. Resize notifications are not available
// on this platform.
func (t *TTY) NotifyResize(context.Context) <-chan struct{} {
	return nil
}
