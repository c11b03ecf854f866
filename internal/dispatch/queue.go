// Package dispatch provides a single-goroutine serial executor. Components
// that own mutable state post every inbound event, UI intent, and timer
// expiration onto one queue, so handlers never race each other.
package dispatch

import (
	"sync"
	"time"
)

// Queue runs posted functions one at a time, in post order.
type Queue struct {
	mu     sync.Mutex
	closed bool
	tasks  chan func()
	done   chan struct{}
	idle   sync.WaitGroup
}

// New starts the queue's worker goroutine.
func New() *Queue {
	q := &Queue{
		tasks: make(chan func(), 128),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case fn := <-q.tasks:
			fn()
			q.idle.Done()
		case <-q.done:
			// Drain whatever was accepted before close.
			for {
				select {
				case fn := <-q.tasks:
					fn()
					q.idle.Done()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn. It reports false, without running fn, once the queue is
// closed; callers use that to drop events that arrive after teardown.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.idle.Add(1)
	select {
	case q.tasks <- fn:
		return true
	case <-q.done:
		q.idle.Done()
		return false
	}
}

// After schedules fn to be posted after d. The returned stop function
// prevents the post if it has not happened yet.
func (q *Queue) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { q.Post(fn) })
	return func() { t.Stop() }
}

// Wait blocks until every task accepted so far has run. Test helper.
func (q *Queue) Wait() {
	q.idle.Wait()
}

// Close stops accepting work. Tasks already accepted still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
