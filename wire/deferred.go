package wire

import "sync"

type deferredKey struct {
	session string
	handle  uint16
}

// deferredReads tracks reads waiting for a profile's asynchronous fetch to
// store a value. Each wait is resolved at most once: by a value update, by
// its grace period running out, or by its session closing.
type deferredReads struct {
	mu      sync.Mutex
	waiting map[deferredKey]chan struct{}
}

func newDeferredReads() *deferredReads {
	return &deferredReads{waiting: make(map[deferredKey]chan struct{})}
}

// add registers a wait for handle on session. The returned channel is
// closed when the value is updated.
func (d *deferredReads) add(session string, handle uint16) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := deferredKey{session: session, handle: handle}
	if ch, ok := d.waiting[key]; ok {
		return ch
	}
	ch := make(chan struct{})
	d.waiting[key] = ch
	return ch
}

// resolve wakes every read waiting on handle and returns how many there were.
func (d *deferredReads) resolve(handle uint16) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for key, ch := range d.waiting {
		if key.handle == handle {
			close(ch)
			delete(d.waiting, key)
			n++
		}
	}
	return n
}

// cancel forgets one wait without waking it.
func (d *deferredReads) cancel(session string, handle uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiting, deferredKey{session: session, handle: handle})
}

// discard forgets every wait of a closed session. Late completions for it
// find nothing to resolve.
func (d *deferredReads) discard(session string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.waiting {
		if key.session == session {
			delete(d.waiting, key)
		}
	}
}

func (d *deferredReads) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiting)
}
