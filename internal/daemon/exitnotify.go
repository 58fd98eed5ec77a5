package daemon

import (
	"sync"
	"time"
)

// exitNotifier fires once with the exit status of a session's child.
// It can be observed any number of times after firing.
type exitNotifier struct {
	once   sync.Once
	done   chan struct{}
	status int
}

func newExitNotifier() *exitNotifier {
	return &exitNotifier{done: make(chan struct{})}
}

// Notify records status and wakes all waiters. It reports whether this
// call was the one that fired.
func (n *exitNotifier) Notify(status int) bool {
	fired := false
	n.once.Do(func() {
		n.status = status
		close(n.done)
		fired = true
	})
	return fired
}

func (n *exitNotifier) Done() <-chan struct{} { return n.done }

// Wait blocks for at most timeout. A zero timeout polls.
func (n *exitNotifier) Wait(timeout time.Duration) (int, bool) {
	if timeout <= 0 {
		select {
		case <-n.done:
			return n.status, true
		default:
			return 0, false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-n.done:
		return n.status, true
	case <-t.C:
		return 0, false
	}
}
