package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAborted is the result of a task aborted before it ran.
	ErrAborted = errors.New("task aborted")
	// ErrClosed is the result of a task still queued when the scheduler closed.
	ErrClosed = errors.New("scheduler closed")
)

// Priority orders queued tasks. Higher values run first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText encodes the priority name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	for _, v := range []Priority{Low, Normal, High} {
		if v.String() == string(text) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", text)
}

// Status is the lifecycle state of a task.
type Status int

const (
	Waiting Status = iota
	Running
	Completed
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for _, v := range []Status{Waiting, Running, Completed} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Task is a schedulable background job. Its action receives a context that
// is cancelled by Abort; long actions are expected to honor it.
type Task struct {
	id          string
	owner       string
	description string
	priority    Priority
	created     time.Time
	action      func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	err      error
	started  time.Time
	finished time.Time
	sched    *Scheduler
	elem     *list.Element // position in a scheduler queue or running list
}

// NewTask wraps action in a task in the Waiting state.
func NewTask(owner, description string, priority Priority, action func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		id:          uuid.NewString(),
		owner:       owner,
		description: description,
		priority:    priority,
		created:     time.Now(),
		action:      action,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (t *Task) ID() string          { return t.id }
func (t *Task) Owner() string       { return t.owner }
func (t *Task) Description() string { return t.description }
func (t *Task) Priority() Priority  { return t.priority }
func (t *Task) Created() time.Time  { return t.created }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the error captured from the action, or nil. Only meaningful
// once the task has completed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task completes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes or ctx is done, and returns the
// task's error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels the task. A task still queued is removed and completes with
// ErrAborted without running. A running task has its context cancelled and
// completes when its action returns; external programs started with that
// context are killed. Aborting a completed task does nothing.
func (t *Task) Abort() {
	t.cancel()

	t.mu.Lock()
	status, s := t.status, t.sched
	t.mu.Unlock()
	if status != Waiting {
		return
	}
	if s == nil || s.dequeue(t) {
		t.finish(ErrAborted)
	}
	// Otherwise a worker already popped it; run sees the cancelled context.
}

// run executes the action on the calling goroutine, capturing its error or
// panic.
func (t *Task) run() {
	t.mu.Lock()
	if t.status != Waiting {
		t.mu.Unlock()
		return
	}
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		t.finish(ErrAborted)
		return
	}
	t.status = Running
	t.started = time.Now()
	t.mu.Unlock()

	t.finish(t.invoke())
}

func (t *Task) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t.action(t.ctx)
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	if t.status == Completed {
		t.mu.Unlock()
		return
	}
	t.status = Completed
	t.err = err
	t.finished = time.Now()
	t.mu.Unlock()

	t.cancel()
	close(t.done)
}

// Info is a JSON-friendly snapshot of a task.
type Info struct {
	ID          string   `json:"id"`
	Owner       string   `json:"owner"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`
	CreatedAt   int64    `json:"created_at"`
	StartedAt   int64    `json:"started_at,omitempty"`
	FinishedAt  int64    `json:"finished_at,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Info returns a snapshot of the task's state.
func (t *Task) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		ID:          t.id,
		Owner:       t.owner,
		Description: t.description,
		Priority:    t.priority,
		Status:      t.status,
		CreatedAt:   t.created.Unix(),
	}
	if !t.started.IsZero() {
		info.StartedAt = t.started.Unix()
	}
	if !t.finished.IsZero() {
		info.FinishedAt = t.finished.Unix()
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}
