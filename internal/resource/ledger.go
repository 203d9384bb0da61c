package resource

import (
	"context"
	"sync"

	"github.com/stevengonsalvez/claude-in-a-box-sub001/internal/errors"
)

// Ledger records handles whose release failed so they can be retried
// later and listed for the operator.
type Ledger struct {
	mu      sync.Mutex
	handles []*Handle
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record adds h unless it is already released or already recorded.
func (l *Ledger) Record(h *Handle) {
	if h == nil || h.Released() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.handles {
		if existing == h {
			return
		}
	}
	l.handles = append(l.handles, h)
}

// Outstanding returns the handles still awaiting a successful release.
func (l *Ledger) Outstanding() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		if !h.Released() {
			out = append(out, h)
		}
	}
	return out
}

// Len returns the number of outstanding handles.
func (l *Ledger) Len() int {
	return len(l.Outstanding())
}

// Retry attempts to release every outstanding handle, in the order they
// were recorded. Successfully released handles are dropped; the joined
// errors of the rest are returned.
func (l *Ledger) Retry(ctx context.Context) error {
	l.mu.Lock()
	pending := l.handles
	l.handles = nil
	l.mu.Unlock()

	var errs []error
	var keep []*Handle
	for _, h := range pending {
		if err := h.Release(ctx); err != nil {
			errs = append(errs, err)
			keep = append(keep, h)
		}
	}

	l.mu.Lock()
	l.handles = append(keep, l.handles...)
	l.mu.Unlock()
	return errors.Join(errs...)
}
