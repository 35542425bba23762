package machine

import "sync"

// SerialWaiter runs submitted tasks strictly one at a time, in submission
// order. Each caller blocks until its own task has run, observing the
// completion of everything enqueued before it. This is how the backup
// lifecycle (enable, disable, drain) is kept ordered without holding the
// sync lock across HTTP uploads.
type SerialWaiter struct {
	mu   sync.Mutex
	tail chan struct{}
}

// Do enqueues fn behind every task submitted before it, runs it, and
// returns its error.
func (w *SerialWaiter) Do(fn func() error) error {
	w.mu.Lock()
	prev := w.tail
	done := make(chan struct{})
	w.tail = done
	w.mu.Unlock()

	if prev != nil {
		<-prev
	}
	defer close(done)
	return fn()
}
