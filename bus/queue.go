package bus

import "sync"

// Queue decouples message delivery from message handling.
// Messages pushed to the queue are handed to the handler sequentially on
// a dedicated goroutine. Pushing never blocks, which allows handlers to
// publish (and wait for) messages of their own without stalling the
// delivering connection.
type Queue struct {
	h      Handler
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Message
	closed bool
	done   chan struct{}
}

// NewQueue starts a new queue delivering to h.
func NewQueue(h Handler) *Queue {
	q := &Queue{h: h, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push appends m to the queue. Messages pushed after Close are dropped.
func (q *Queue) Push(m *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, m)
	q.cond.Signal()
}

// Close stops the queue once pending messages have been handled.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Done is closed when the queue has stopped.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		m := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		q.h(m)
	}
}
