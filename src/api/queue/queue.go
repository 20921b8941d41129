package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/token_ring/src/api/message"
	logs "github.com/danmuck/smplog"
)

var (
	ErrEmptyQueue     = errors.New("outbound queue is empty")
	ErrInvalidMessage = errors.New("invalid outbound message")
)

// Queue is a node's outbound FIFO. The admin handler is the only producer and
// the token state machine the only consumer; mu guards items between them.
type Queue struct {
	owner int
	items []*message.Message
	mu    sync.Mutex
}

func New(owner int) *Queue {
	return &Queue{
		owner: owner,
		items: make([]*message.Message, 0),
	}
}

// Enqueue appends m to the tail. Only addressed messages are accepted; anything
// else is logged and dropped with the queue left unchanged.
func (q *Queue) Enqueue(m *message.Message) error {
	if err := validate(m); err != nil {
		logs.Warnf("queue(%d): ignoring enqueue: %v", q.owner, err)
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, m.Clone())
	return nil
}

func validate(m *message.Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil", ErrInvalidMessage)
	}
	if _, ok := m.Destination(); !ok {
		return fmt.Errorf("%w: tag %q is not a destination", ErrInvalidMessage, m.Tag)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}

// Peek returns a copy of the oldest entry without removing it.
func (q *Queue) Peek() (*message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0].Clone(), true
}

// Dequeue removes and returns the oldest entry.
func (q *Queue) Dequeue() (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, ErrEmptyQueue
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the queue contents in FIFO order.
func (q *Queue) Snapshot() []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*message.Message, 0, len(q.items))
	for _, m := range q.items {
		out = append(out, m.Clone())
	}
	return out
}
