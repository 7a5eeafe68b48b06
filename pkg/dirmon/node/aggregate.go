package node

import (
	"runtime"
	"time"
)

const (
	// spinAttempts is how many failed swaps yield the scheduler before
	// the retry loop starts sleeping.
	spinAttempts = 4

	backoffStep = 10 * time.Microsecond
	maxBackoff  = time.Millisecond
)

// Add applies delta to the node's aggregate and returns the new value.
// It never blocks on a lock: a lost compare-and-swap re-reads the current
// value and retries after a short backoff.
func (n *Node) Add(delta Totals) Totals {
	if delta.IsZero() {
		return n.Total()
	}

	for attempt := 0; ; attempt++ {
		cur := n.total.Load()
		next := cur.Plus(delta)
		if n.total.CompareAndSwap(cur, &next) {
			return next
		}
		backoff(attempt)
	}
}

// Propagate applies delta to start and every ancestor of start.
func Propagate(start *Node, delta Totals) {
	if delta.IsZero() {
		return
	}
	for n := start; n != nil; n = n.parent {
		n.Add(delta)
	}
}

func backoff(attempt int) {
	if attempt < spinAttempts {
		runtime.Gosched()
		return
	}
	d := time.Duration(attempt-spinAttempts+1) * backoffStep
	time.Sleep(min(d, maxBackoff))
}
