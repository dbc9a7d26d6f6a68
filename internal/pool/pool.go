// Package pool implements the bounded Task Queue and the fixed-size Worker
// Pool that drains it.
package pool

import (
	"errors"
	"sync"

	"github.com/savsgio/gotils/nocopy"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Enqueue when the ring buffer has no room.
// The reactor treats this as a hangup on the connection being enqueued.
var ErrQueueFull = errors.New("pool: task queue full")

// ErrNilHandler is returned by Enqueue when handler is nil.
var ErrNilHandler = errors.New("pool: nil handler")

// HandlerFunc is a unit of work: a function and the argument it closes
// over, dispatched to exactly one worker.
type HandlerFunc func(arg interface{})

type task struct {
	handler HandlerFunc
	arg     interface{}
}

// TaskQueue is a fixed-capacity circular buffer of tasks guarded by one
// mutex and drained by one condition variable. Enqueue never blocks: a full
// queue returns ErrQueueFull immediately to the producer (the reactor).
type TaskQueue struct {
	noCopy nocopy.NoCopy // nolint:structcheck,unused

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []task
	head    int
	length  int
	running bool
}

// NewTaskQueue allocates a queue with the given capacity.
func NewTaskQueue(capacity int) *TaskQueue {
	q := &TaskQueue{
		buf:     make([]task, capacity),
		running: true,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue places (handler, arg) at the tail of the queue and wakes one
// worker. It fails immediately if handler is nil or the queue is full.
func (q *TaskQueue) Enqueue(handler HandlerFunc, arg interface{}) error {
	if handler == nil {
		return ErrNilHandler
	}

	q.mu.Lock()
	if q.length == cap(q.buf) {
		q.mu.Unlock()
		return ErrQueueFull
	}

	tail := (q.head + q.length) % cap(q.buf)
	q.buf[tail] = task{handler: handler, arg: arg}
	q.length++
	q.mu.Unlock()

	q.cond.Signal()
	return nil
}

// dequeue blocks until a task is available or the queue stops running. The
// second return value is false iff the queue stopped and nothing is left.
func (q *TaskQueue) dequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.length == 0 && q.running {
		q.cond.Wait()
	}
	if q.length == 0 {
		return task{}, false
	}

	t := q.buf[q.head]
	q.buf[q.head] = task{}
	q.head = (q.head + 1) % cap(q.buf)
	q.length--
	return t, true
}

// Stop clears the running flag, empties the queue, and wakes every worker
// blocked in dequeue. It does not join the workers; see WorkerPool.Stop.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	q.running = false
	q.head = 0
	q.length = 0
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the current queue depth, for metrics.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// WorkerPool is a fixed number of goroutines draining a single TaskQueue.
//
// The spec's original design detaches workers and leaves them unjoined
// (spec §9, Open Questions). legion instead joins them with a WaitGroup on
// Stop, the "robust rewrite" the spec explicitly invites; each worker still
// finishes its in-flight task before observing the cleared running flag, so
// shutdown semantics are unchanged.
type WorkerPool struct {
	queue *TaskQueue
	wg    sync.WaitGroup
	log   *logrus.Logger
}

// NewWorkerPool starts n workers draining queue.
func NewWorkerPool(queue *TaskQueue, n int, log *logrus.Logger) *WorkerPool {
	p := &WorkerPool{queue: queue, log: log}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop(i)
	}
	return p
}

func (p *WorkerPool) loop(id int) {
	defer p.wg.Done()
	for {
		t, ok := p.queue.dequeue()
		if !ok {
			return
		}
		t.handler(t.arg)
	}
}

// Stop stops the underlying queue and waits for every worker to drain its
// in-flight task and exit.
func (p *WorkerPool) Stop() {
	p.queue.Stop()
	p.wg.Wait()
}
