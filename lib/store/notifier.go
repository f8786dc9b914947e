package store

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Key Notifier
// --------------------------------------------------------------------------

// KeyNotifier wakes blocked readers when a key they wait on changes.
type KeyNotifier struct {
	waiters *xsync.MapOf[string, []*Waiter]
	blocked atomic.Int64
}

// Waiter is one registration for a set of keys.
// C receives a value when any of the keys is notified.
type Waiter struct {
	C    chan struct{}
	keys []string
	n    *KeyNotifier
	done atomic.Bool
}

func NewKeyNotifier() *KeyNotifier {
	return &KeyNotifier{waiters: xsync.NewMapOf[string, []*Waiter]()}
}

// Register creates a waiter for the given keys.
// Register before checking for data, so a change between the check and the
// wait is not missed.
func (n *KeyNotifier) Register(keys ...string) *Waiter {
	w := &Waiter{C: make(chan struct{}, 1), keys: slices.Compact(slices.Sorted(slices.Values(keys))), n: n}
	for _, key := range w.keys {
		n.waiters.Compute(key, func(old []*Waiter, _ bool) ([]*Waiter, bool) {
			// copy on write, Notify reads the slice without the bucket lock
			return append(slices.Clip(old), w), false
		})
	}
	n.blocked.Add(1)
	return w
}

// Cancel removes the registration. It is safe to call more than once.
func (w *Waiter) Cancel() {
	if !w.done.CompareAndSwap(false, true) {
		return
	}
	for _, key := range w.keys {
		w.n.waiters.Compute(key, func(old []*Waiter, loaded bool) ([]*Waiter, bool) {
			if !loaded {
				return old, true
			}
			next := slices.DeleteFunc(slices.Clone(old), func(o *Waiter) bool { return o == w })
			return next, len(next) == 0
		})
	}
	w.n.blocked.Add(-1)
}

// Notify wakes every waiter registered for key
func (n *KeyNotifier) Notify(key string) {
	ws, ok := n.waiters.Load(key)
	if !ok {
		return
	}
	for _, w := range ws {
		select {
		case w.C <- struct{}{}:
		default:
		}
	}
}

// Blocked returns the number of registered waiters
func (n *KeyNotifier) Blocked() int {
	return int(n.blocked.Load())
}

// --------------------------------------------------------------------------
// Blocking reads
// --------------------------------------------------------------------------

// NoBlock disables blocking for a read
const NoBlock time.Duration = -1

// BlockingRead runs attempt until it reports data, the block timeout passes or
// ctx is done. A block of 0 waits without timeout, NoBlock tries once.
// On timeout or cancellation the zero value is returned without error.
func BlockingRead[R any](ctx context.Context, n *KeyNotifier, keys []string, block time.Duration, attempt func() (R, bool, error)) (R, error) {
	var zero R

	if block < 0 {
		res, _, err := attempt()
		return res, err
	}

	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		w := n.Register(keys...)
		res, ok, err := attempt()
		if err != nil || ok {
			w.Cancel()
			return res, err
		}

		select {
		case <-w.C:
			w.Cancel()
		case <-timeout:
			w.Cancel()
			return zero, nil
		case <-ctx.Done():
			w.Cancel()
			return zero, nil
		}
	}
}
