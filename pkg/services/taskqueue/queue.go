// Package taskqueue is a process-local priority queue with a fixed worker
// pool. Workers pull the highest-priority item and hand it to the workflow
// launcher as a MANUAL run; the pool is resized at runtime from catalog
// config.
package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/models"
)

// Launcher starts one workflow run. Satisfied by the workflow executor.
type Launcher interface {
	Launch(ctx context.Context, workflowName string, params jsonutil.Document, trigger models.TriggerType) error
}

// Item is one queued workflow launch request.
type Item struct {
	WorkflowName string
	Params       jsonutil.Document
	Priority     int
	QueuedAt     time.Time

	seq uint64
}

// itemHeap orders by priority descending, then FIFO on queued_at, then by
// enqueue sequence so equal timestamps stay stable.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].QueuedAt.Equal(h[j].QueuedAt) {
		return h[i].QueuedAt.Before(h[j].QueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue manages queued workflow launches with a resizable worker pool.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items      itemHeap
	seq        uint64
	running    bool
	workers    int // live worker goroutines
	poolTarget int

	wg       sync.WaitGroup
	launcher Launcher
	logger   *zap.Logger
}

// New creates a running queue with no workers. Call SetWorkerPoolSize to
// start the pool.
func New(launcher Launcher, logger *zap.Logger) *Queue {
	q := &Queue{
		launcher: launcher,
		running:  true,
		logger:   logger.Named("taskqueue"),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a launch request. Requests arriving after Stop are dropped.
func (q *Queue) Enqueue(workflowName string, params jsonutil.Document, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		q.logger.Warn("queue stopped, dropping enqueue",
			zap.String("workflow", workflowName))
		return
	}

	q.seq++
	heap.Push(&q.items, &Item{
		WorkflowName: workflowName,
		Params:       params,
		Priority:     priority,
		QueuedAt:     time.Now(),
		seq:          q.seq,
	})

	q.logger.Debug("workflow queued",
		zap.String("workflow", workflowName),
		zap.Int("priority", priority),
		zap.Int("depth", len(q.items)))

	q.cond.Signal()
}

// Dequeue blocks until an item is available or the queue is stopped and
// drained. The second return is false only when stopped with nothing left.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && q.running {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	return *heap.Pop(&q.items).(*Item), true
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Workers returns the number of live worker goroutines.
func (q *Queue) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers
}

// Clear discards all queued items and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.items)
	q.items = nil
	if dropped > 0 {
		q.logger.Info("queue cleared", zap.Int("dropped", dropped))
	}
	return dropped
}

// SetWorkerPoolSize grows or shrinks the worker pool. Growth spawns workers
// immediately; shrink takes effect as surplus workers finish their current
// dispatch or wake from an empty queue.
func (q *Queue) SetWorkerPoolSize(n int) {
	if n < 0 {
		n = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}
	q.poolTarget = n

	for q.workers < q.poolTarget {
		q.workers++
		q.wg.Add(1)
		go q.worker()
	}
	q.cond.Broadcast()

	q.logger.Info("worker pool resized",
		zap.Int("target", n), zap.Int("live", q.workers))
}

// Stop wakes blocked workers, lets them drain the queue, and joins them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.items) == 0 && q.running && q.workers <= q.poolTarget {
			q.cond.Wait()
		}
		if q.workers > q.poolTarget {
			q.workers--
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 && !q.running {
			q.workers--
			q.mu.Unlock()
			return
		}
		it := *heap.Pop(&q.items).(*Item)
		q.mu.Unlock()

		q.dispatch(it)
	}
}

func (q *Queue) dispatch(it Item) {
	start := time.Now()
	if err := q.launcher.Launch(context.Background(), it.WorkflowName, it.Params, models.TriggerTypeManual); err != nil {
		q.logger.Error("workflow dispatch failed",
			zap.String("workflow", it.WorkflowName),
			zap.Error(err))
		return
	}
	q.logger.Info("workflow dispatched",
		zap.String("workflow", it.WorkflowName),
		zap.Int("priority", it.Priority),
		zap.Duration("waited", start.Sub(it.QueuedAt)))
}
