package modem

import (
	"context"
	"sync"

	"i4.energy/across/loragw/at"
)

// eventTracker correlates unsolicited module events with the operations
// awaiting them. Waiters of the same kind are served strictly in the order
// they registered, so concurrent confirmed uplinks each claim their own
// acknowledgment.
type eventTracker struct {
	mu      sync.Mutex
	waiters map[at.EventKind][]*eventWaiter
	closed  bool
}

// eventWaiter is one registered expectation for an event of a given kind.
type eventWaiter struct {
	kind at.EventKind
	// priority marks a waiter tied to a command in flight. Priority waiters
	// are served before ambient observers of the same kind, so an uplink in
	// progress claims the downlink raised during its own receive windows.
	priority bool
	// ch delivers the matched event. Buffered so the Loop never blocks on a
	// slow waiter; closed when the session is torn down.
	ch chan at.Response
}

func newEventTracker() *eventTracker {
	return &eventTracker{
		waiters: make(map[at.EventKind][]*eventWaiter),
	}
}

// expect registers a waiter for the next unclaimed event of the given kind.
// Registering on a closed tracker yields a waiter whose wait resolves
// immediately with ErrClosed.
func (t *eventTracker) expect(kind at.EventKind) *eventWaiter {
	return t.register(kind, false)
}

// expectPriority registers a waiter served ahead of plain waiters of the
// same kind, in registration order among themselves.
func (t *eventTracker) expectPriority(kind at.EventKind) *eventWaiter {
	return t.register(kind, true)
}

func (t *eventTracker) register(kind at.EventKind, priority bool) *eventWaiter {
	w := &eventWaiter{kind: kind, priority: priority, ch: make(chan at.Response, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		close(w.ch)
		return w
	}
	t.waiters[kind] = append(t.waiters[kind], w)
	return w
}

// cancel removes a waiter that no longer expects its event. It is a no-op if
// the waiter was already served or the tracker torn down.
func (t *eventTracker) cancel(w *eventWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	queue := t.waiters[w.kind]
	for i, cand := range queue {
		if cand == w {
			t.waiters[w.kind] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// dispatch delivers an event to the oldest priority waiter of its kind, or
// to the oldest plain waiter when no priority waiter is pending. It reports
// whether any waiter claimed the event.
func (t *eventTracker) dispatch(resp at.Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	queue := t.waiters[resp.Kind]
	if len(queue) == 0 {
		return false
	}
	idx := 0
	for i, w := range queue {
		if w.priority {
			idx = i
			break
		}
	}
	w := queue[idx]
	t.waiters[resp.Kind] = append(queue[:idx], queue[idx+1:]...)
	w.ch <- resp
	return true
}

// abandon tears the tracker down: every pending waiter observes ErrClosed
// and later registrations resolve the same way.
func (t *eventTracker) abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for kind, queue := range t.waiters {
		for _, w := range queue {
			close(w.ch)
		}
		delete(t.waiters, kind)
	}
}

// wait blocks until the event arrives, the session closes, or the context
// is cancelled.
func (w *eventWaiter) wait(ctx context.Context) (at.Response, error) {
	select {
	case resp, ok := <-w.ch:
		if !ok {
			return at.Response{}, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return at.Response{}, ctx.Err()
	}
}

// poll returns the event if it has already been delivered, without blocking.
func (w *eventWaiter) poll() (at.Response, bool) {
	select {
	case resp, ok := <-w.ch:
		if !ok {
			return at.Response{}, false
		}
		return resp, true
	default:
		return at.Response{}, false
	}
}
