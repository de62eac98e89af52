package orchestrator

import (
	"context"
	"sync"
)

// lineQueue orders adapter calls. Calls for the same product run one after
// another in the order they were issued; a cart-wide call waits for every
// earlier call and every later call waits for it.
type lineQueue struct {
	mu      sync.Mutex
	lines   map[string]chan struct{}
	barrier chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{lines: make(map[string]chan struct{})}
}

// ticket is a place in the queue. Its holder must call release exactly once.
type ticket struct {
	after []chan struct{}
	done  chan struct{}
}

// line takes the next place in productID's queue.
func (q *lineQueue) line(productID string) *ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &ticket{done: make(chan struct{})}
	if prev, ok := q.lines[productID]; ok {
		t.after = append(t.after, prev)
	}
	if q.barrier != nil {
		t.after = append(t.after, q.barrier)
	}
	q.lines[productID] = t.done
	return t
}

// cartWide takes a place behind every queued call.
func (q *lineQueue) cartWide() *ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &ticket{done: make(chan struct{})}
	for _, prev := range q.lines {
		t.after = append(t.after, prev)
	}
	if q.barrier != nil {
		t.after = append(t.after, q.barrier)
	}
	clear(q.lines)
	q.barrier = t.done
	return t
}

// wait blocks until every predecessor has released or ctx ends.
func (t *ticket) wait(ctx context.Context) error {
	for _, prev := range t.after {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// release lets successors proceed. A holder that gave up waiting still
// releases only after its predecessors, so successors never overtake them.
func (t *ticket) release() {
	for i, prev := range t.after {
		select {
		case <-prev:
		default:
			rest := t.after[i:]
			go func() {
				for _, p := range rest {
					<-p
				}
				close(t.done)
			}()
			return
		}
	}
	close(t.done)
}
