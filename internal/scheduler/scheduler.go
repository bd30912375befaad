// Package scheduler runs background tasks on a fixed worker pool with three
// strict priority levels.
package scheduler

import (
	"container/list"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/logging"
)

// Scheduler drains High, then Normal, then Low queues with a fixed number of
// worker goroutines. A running task is never preempted.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  [High + 1]*list.List
	running *list.List
	closed  bool
	workers int
	wg      sync.WaitGroup
}

// New starts a scheduler with the given number of workers. workers <= 0
// means one per CPU.
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s := &Scheduler{
		running: list.New(),
		workers: workers,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := range s.queues {
		s.queues[i] = list.New()
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.work()
	}
	return s
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Start queues t at its priority and wakes one idle worker. It never blocks.
// Tasks already started elsewhere or completed are ignored.
func (s *Scheduler) Start(t *Task) {
	t.mu.Lock()
	if t.status != Waiting || t.sched != nil {
		t.mu.Unlock()
		return
	}
	t.sched = s
	t.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.finish(ErrClosed)
		return
	}
	elem := s.queue(t.priority).PushBack(t)
	t.mu.Lock()
	t.elem = elem
	t.mu.Unlock()
	s.mu.Unlock()
	s.cond.Signal()
}

// Tasks returns running tasks followed by queued high, normal and low ones.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for e := s.running.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Task))
	}
	for p := High; p >= Low; p-- {
		for e := s.queues[p].Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*Task))
		}
	}
	return out
}

// Find returns the running or queued task with the given id.
func (s *Scheduler) Find(id string) *Task {
	for _, t := range s.Tasks() {
		if t.id == id {
			return t
		}
	}
	return nil
}

// Close stops accepting tasks, completes queued tasks with ErrClosed, aborts
// running ones and waits for every worker to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	var queued, running []*Task
	for _, q := range s.queues {
		for e := q.Front(); e != nil; e = e.Next() {
			queued = append(queued, e.Value.(*Task))
		}
		q.Init()
	}
	for e := s.running.Front(); e != nil; e = e.Next() {
		running = append(running, e.Value.(*Task))
	}
	s.mu.Unlock()
	s.cond.Broadcast()

	for _, t := range queued {
		t.finish(ErrClosed)
	}
	for _, t := range running {
		t.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) queue(p Priority) *list.List {
	if p < Low {
		p = Low
	}
	if p > High {
		p = High
	}
	return s.queues[p]
}

// work is the worker loop.
func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		t := s.next()
		if t == nil {
			return
		}
		t.run()
		if err := t.Err(); err != nil {
			logging.Named("worker").Debug("task failed",
				zap.String("task", t.id),
				zap.String("owner", t.owner),
				zap.String("description", t.description),
				zap.Error(err))
		}

		s.mu.Lock()
		t.mu.Lock()
		if t.elem != nil {
			s.running.Remove(t.elem)
			t.elem = nil
		}
		t.mu.Unlock()
		s.mu.Unlock()
	}
}

// next blocks until a task is available and moves it to the running list.
// It returns nil once the scheduler is closed.
func (s *Scheduler) next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil
		}
		for p := High; p >= Low; p-- {
			q := s.queues[p]
			if front := q.Front(); front != nil {
				t := q.Remove(front).(*Task)
				t.mu.Lock()
				t.elem = s.running.PushBack(t)
				t.mu.Unlock()
				return t
			}
		}
		s.cond.Wait()
	}
}

// dequeue removes a still-queued task. It reports false when a worker has
// already taken it.
func (s *Scheduler) dequeue(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.elem == nil || t.status != Waiting {
		return false
	}
	for _, q := range s.queues {
		for e := q.Front(); e != nil; e = e.Next() {
			if e == t.elem {
				q.Remove(e)
				t.elem = nil
				return true
			}
		}
	}
	return false
}
