package negotiate

import (
	"context"
	"sync"
	"time"

	"github.com/knikolov/sfumesh/internal/domain"
)

// Link is one directional negotiation unit. Its lifetime is bounded by the
// owning participant's room membership; Closed is terminal.
type Link struct {
	Key       domain.LinkKey
	Direction domain.LinkDirection

	mu        sync.Mutex
	state     State
	offerID   string
	supersede bool
	attempts  int
	retry     *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func newLink(parent context.Context, key domain.LinkKey, dir domain.LinkDirection) *Link {
	ctx, cancel := context.WithCancel(parent)
	return &Link{Key: key, Direction: dir, ctx: ctx, cancel: cancel}
}

// State returns the current machine state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// stopRetryLocked cancels any pending restart timer so teardown can never
// resurrect a closed link. Caller holds l.mu.
func (l *Link) stopRetryLocked() {
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
}

// View is a read-only link projection for topology diffing.
type View struct {
	Key       domain.LinkKey
	Direction domain.LinkDirection
	State     State
}
