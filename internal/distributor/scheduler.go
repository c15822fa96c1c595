package distributor

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// Priority orders queued deployments. Higher runs first; FIFO within a
// level.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the display form.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// SchedulerConfig caps concurrent deployments.
type SchedulerConfig struct {
	// MaxConcurrent bounds global parallel deployments; 0 means 5.
	MaxConcurrent int
	// MaxPerService bounds parallel deployments per service; 0 means 1.
	MaxPerService int
}

// queued is one enqueued deployment request.
type queued struct {
	service  string
	priority Priority
	seq      uint64
	run      func(ctx context.Context)
	done     chan struct{}
}

type queueHeap []*queued

func (h queueHeap) Len() int { return len(h) }
func (h queueHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *queueHeap) Push(x any)   { *h = append(*h, x.(*queued)) }
func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler runs deployments strict-priority, FIFO within a priority, under
// global and per-service concurrency caps.
type Scheduler struct {
	cfg SchedulerConfig

	mu        sync.Mutex
	queue     queueHeap
	seq       uint64
	active    int
	byService map[string]int
	closed    bool
}

// NewScheduler builds a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxPerService == 0 {
		cfg.MaxPerService = 1
	}
	return &Scheduler{
		cfg:       cfg,
		byService: map[string]int{},
	}
}

// Enqueue queues a deployment function and returns a channel closed when it
// finishes.
func (s *Scheduler) Enqueue(ctx context.Context, service string, priority Priority, run func(ctx context.Context)) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("scheduler: closed")
	}
	item := &queued{
		service:  service,
		priority: priority,
		seq:      s.seq,
		run:      run,
		done:     make(chan struct{}),
	}
	s.seq++
	heap.Push(&s.queue, item)
	s.mu.Unlock()

	s.dispatch(ctx)
	return item.done, nil
}

// dispatch starts every queued item that fits under the caps.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		item := s.nextRunnableLocked()
		if item == nil {
			return
		}
		s.active++
		s.byService[item.service]++

		go func(item *queued) {
			defer func() {
				s.mu.Lock()
				s.active--
				s.byService[item.service]--
				s.mu.Unlock()
				close(item.done)
				s.dispatch(ctx)
			}()
			item.run(ctx)
		}(item)
	}
}

// nextRunnableLocked pops the highest-priority item whose caps allow it.
// Items blocked only by their per-service cap stay queued.
func (s *Scheduler) nextRunnableLocked() *queued {
	if s.active >= s.cfg.MaxConcurrent {
		return nil
	}
	var skipped []*queued
	var found *queued
	for s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queued)
		if s.byService[item.service] >= s.cfg.MaxPerService {
			skipped = append(skipped, item)
			continue
		}
		found = item
		break
	}
	for _, item := range skipped {
		heap.Push(&s.queue, item)
	}
	return found
}

// Pending returns the queue length.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close rejects further enqueues. Running deployments finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
