package executor

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// copyTask is one unit of copy work for the pool. The cost is a byte-count
// hint used to balance work across workers.
type copyTask struct {
	run  func(worker int) error
	cost int64
	seq  int64
}

// copyPool is a fixed-size pool of workers executing copy tasks.
//
// Ready tasks sit in a max-heap by cost and idle workers always pick the most
// expensive one first, a greedy longest-task-first policy that keeps the
// per-worker totals balanced. Tasks added with immediate=true become ready at
// AddWork time and may start before RunAll is called; deferred tasks become
// ready only when RunAll releases them.
//
// Tasks of one invocation target disjoint memory ranges and have no relative
// order; RunAll only guarantees that all of them completed when it returns.
type copyPool struct {
	numWorkers int

	mu            sync.Mutex
	workAvailable sync.Cond // Signaled when ready gains a task or the pool closes.
	allDone       sync.Cond // Signaled when pending drops to zero.
	ready         taskHeap
	deferred      []copyTask
	pending       int // Tasks added and not yet finished (or cancelled).
	firstErr      error
	nextSeq       int64
	closed        bool

	// Cumulative counters, exposed through Executor.Stats.
	tasksScheduled atomic.Int64
	bytesScheduled atomic.Int64
}

func newCopyPool(numWorkers int) *copyPool {
	p := &copyPool{numWorkers: numWorkers}
	p.workAvailable.L = &p.mu
	p.allDone.L = &p.mu
	for worker := range numWorkers {
		go p.workerLoop(worker)
	}
	return p
}

// AddWork queues one copy task. Immediate tasks may start right away on an
// idle worker; deferred tasks wait for the next RunAll.
func (p *copyPool) AddWork(run func(worker int) error, cost int64, immediate bool) {
	p.tasksScheduled.Add(1)
	p.bytesScheduled.Add(cost)

	p.mu.Lock()
	defer p.mu.Unlock()
	task := copyTask{run: run, cost: cost, seq: p.nextSeq}
	p.nextSeq++
	p.pending++
	if immediate {
		heap.Push(&p.ready, task)
		p.workAvailable.Signal()
	} else {
		p.deferred = append(p.deferred, task)
	}
}

// RunAll releases all deferred tasks and blocks until every queued task has
// completed, then clears the queue state and returns the first task error, if
// any. The pool is always fully drained when it returns.
func (p *copyPool) RunAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.deferred) > 0 {
		for _, task := range p.deferred {
			heap.Push(&p.ready, task)
		}
		p.deferred = p.deferred[:0]
		p.workAvailable.Broadcast()
	}
	for p.pending > 0 {
		p.allDone.Wait()
	}
	err := p.firstErr
	p.firstErr = nil
	return err
}

// Cancel discards all tasks that have not started and waits for the running
// ones to finish. Task errors are discarded. Used on failure paths where
// queued copy-out tasks must not write into caller memory.
func (p *copyPool) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := len(p.ready) + len(p.deferred)
	p.ready = p.ready[:0]
	p.deferred = p.deferred[:0]
	p.pending -= dropped
	for p.pending > 0 {
		p.allDone.Wait()
	}
	if dropped > 0 {
		klog.V(1).Infof("executor: cancelled %d queued copy task(s)", dropped)
	}
	p.firstErr = nil
}

// Close stops the workers once the queue is empty. Running tasks finish on
// their own; no new work may be added afterwards.
func (p *copyPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.workAvailable.Broadcast()
	p.mu.Unlock()
}

func (p *copyPool) workerLoop(worker int) {
	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.closed {
			p.workAvailable.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return
		}
		task := heap.Pop(&p.ready).(copyTask)
		p.mu.Unlock()

		err := task.run(worker)

		p.mu.Lock()
		if err != nil && p.firstErr == nil {
			p.firstErr = err
		}
		p.pending--
		if p.pending == 0 {
			p.allDone.Broadcast()
		}
		p.mu.Unlock()
	}
}

// taskHeap is a max-heap of tasks by cost; ties break by insertion order.
type taskHeap []copyTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].cost != h[j].cost {
		return h[i].cost > h[j].cost
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(copyTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}
