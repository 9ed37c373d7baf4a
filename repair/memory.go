package repair

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var errUnknownMessage = errors.New("message not in queue or receipt expired")

type memMessage struct {
	id        string
	receipt   string
	text      string
	count     int64
	visibleAt time.Time
}

// MemoryQueue is an in-process Queue with the same visibility semantics as
// the Azure queue.
type MemoryQueue struct {
	mu         sync.Mutex
	msgs       []*memMessage
	seq        int
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue returns an empty queue. A zero visibility makes received
// messages visible again on the next receive.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{visibility: visibility, now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	text, err := encodeJob(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.msgs = append(q.msgs, &memMessage{id: strconv.Itoa(q.seq), text: text})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []Message
	for _, m := range q.msgs {
		if len(out) == max {
			break
		}
		if now.Before(m.visibleAt) {
			continue
		}
		q.seq++
		m.count++
		m.receipt = strconv.Itoa(q.seq)
		m.visibleAt = now.Add(q.visibility)
		msg := Message{ID: m.id, PopReceipt: m.receipt, DequeueCount: m.count}
		msg.Job, msg.Err = decodeJob(m.text)
		out = append(out, msg)
	}
	return out, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if m.id == msg.ID && m.receipt == msg.PopReceipt {
			q.msgs = append(q.msgs[:i:i], q.msgs[i+1:]...)
			return nil
		}
	}
	return errUnknownMessage
}

// Len returns the number of messages still queued, received ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Jobs returns the queued jobs in order.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.msgs))
	for _, m := range q.msgs {
		if j, err := decodeJob(m.text); err == nil {
			out = append(out, j)
		}
	}
	return out
}
