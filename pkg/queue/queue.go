// Package queue provides a bounded FIFO of work messages with an
// acknowledgment counter and a drain barrier.
//
// Every message put on the queue, jobs and stop signals alike, must be
// acknowledged exactly once with TaskDone. Join blocks until that has
// happened for every message put so far.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"wsitiler/internal/models"
)

// ErrTooManyAcks is returned by TaskDone when there is nothing left to acknowledge
var ErrTooManyAcks = errors.New("task done called more times than messages were put")

// Queue is a bounded blocking FIFO of messages. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	drained  *sync.Cond

	items      []models.Message
	head       int
	count      int
	unfinished int
}

// New creates a queue holding at most capacity messages.
func New(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	q := &Queue{items: make([]models.Message, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q, nil
}

// Put appends msg, blocking while the queue is full
func (q *Queue) Put(msg models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == len(q.items) {
		q.notFull.Wait()
	}
	q.items[(q.head+q.count)%len(q.items)] = msg
	q.count++
	q.unfinished++
	q.notEmpty.Signal()
}

// Get removes and returns the oldest message, blocking while the queue is empty
func (q *Queue) Get() models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 {
		q.notEmpty.Wait()
	}
	msg := q.items[q.head]
	q.items[q.head] = models.Message{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.notFull.Signal()
	return msg
}

// TaskDone acknowledges one message previously returned by Get
func (q *Queue) TaskDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		return ErrTooManyAcks
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.drained.Broadcast()
	}
	return nil
}

// Join blocks until every message put so far has been acknowledged
func (q *Queue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.unfinished > 0 {
		q.drained.Wait()
	}
}

// Unfinished returns the number of messages put but not yet acknowledged
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Len returns the number of messages waiting to be taken
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.items)
}
