package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

// gate occupies the scheduler's only worker until released.
func gate(t *testing.T, s *Scheduler) (release func()) {
	t.Helper()
	started := make(chan struct{})
	hold := make(chan struct{})
	s.Start(NewTask("test", "gate", High, func(ctx context.Context) error {
		close(started)
		<-hold
		return nil
	}))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("gate task never started")
	}
	return func() { close(hold) }
}

func waitAll(t *testing.T, tasks ...*Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, task := range tasks {
		select {
		case <-task.Done():
		case <-ctx.Done():
			t.Fatalf("task %s did not complete", task.Description())
		}
	}
}

func TestScheduler_DefaultWorkers(t *testing.T) {
	s := New(0)
	defer s.Close()
	if s.Workers() != runtime.NumCPU() {
		t.Fatalf("expected %d workers, got %d", runtime.NumCPU(), s.Workers())
	}
}

func TestScheduler_StrictPriority(t *testing.T) {
	s := New(1)
	defer s.Close()
	release := gate(t, s)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	low := NewTask("test", "low", Low, record("low"))
	normal := NewTask("test", "normal", Normal, record("normal"))
	high := NewTask("test", "high", High, record("high"))
	s.Start(low)
	s.Start(normal)
	s.Start(high)
	release()
	waitAll(t, low, normal, high)

	want := []string{"high", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestScheduler_TasksSnapshotOrder(t *testing.T) {
	s := New(1)
	defer s.Close()
	release := gate(t, s)
	defer release()

	low := NewTask("test", "low", Low, func(context.Context) error { return nil })
	high := NewTask("test", "high", High, func(context.Context) error { return nil })
	normal := NewTask("test", "normal", Normal, func(context.Context) error { return nil })
	s.Start(low)
	s.Start(high)
	s.Start(normal)

	tasks := s.Tasks()
	if len(tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	want := []string{"gate", "high", "normal", "low"}
	for i, task := range tasks {
		if task.Description() != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], task.Description())
		}
	}
	if tasks[0].Status() != Running {
		t.Fatalf("expected gate running, got %s", tasks[0].Status())
	}
	if s.Find(normal.ID()) != normal {
		t.Fatal("Find did not return queued task")
	}
}

func TestTask_CapturesErrorAndPanic(t *testing.T) {
	s := New(1)
	defer s.Close()

	boom := errors.New("boom")
	failing := NewTask("test", "error", Normal, func(context.Context) error { return boom })
	panicking := NewTask("test", "panic", Normal, func(context.Context) error { panic("bad input") })
	after := NewTask("test", "after", Normal, func(context.Context) error { return nil })
	s.Start(failing)
	s.Start(panicking)
	s.Start(after)
	waitAll(t, failing, panicking, after)

	if !errors.Is(failing.Err(), boom) {
		t.Fatalf("expected boom, got %v", failing.Err())
	}
	if panicking.Err() == nil {
		t.Fatal("expected panic to be captured as error")
	}
	if after.Err() != nil || after.Status() != Completed {
		t.Fatalf("worker did not survive panic: status=%s err=%v", after.Status(), after.Err())
	}
}

func TestTask_AbortQueued(t *testing.T) {
	s := New(1)
	defer s.Close()
	release := gate(t, s)

	ran := false
	task := NewTask("test", "queued", Low, func(context.Context) error {
		ran = true
		return nil
	})
	s.Start(task)
	task.Abort()
	release()
	waitAll(t, task)

	if ran {
		t.Fatal("aborted task ran")
	}
	if !errors.Is(task.Err(), ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", task.Err())
	}
	if len(s.Tasks()) > 1 {
		t.Fatalf("aborted task still listed: %d tasks", len(s.Tasks()))
	}
}

func TestTask_AbortRunningCancelsContext(t *testing.T) {
	s := New(1)
	defer s.Close()

	started := make(chan struct{})
	task := NewTask("test", "long", Normal, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	s.Start(task)
	<-started
	task.Abort()
	waitAll(t, task)

	if !errors.Is(task.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", task.Err())
	}
}

func TestTask_WaitTimesOut(t *testing.T) {
	task := NewTask("test", "never started", Normal, func(context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := task.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if task.Status() != Waiting {
		t.Fatalf("expected waiting, got %s", task.Status())
	}
}

func TestScheduler_CloseCompletesQueued(t *testing.T) {
	s := New(1)
	release := gate(t, s)

	queued := NewTask("test", "queued", Normal, func(context.Context) error { return nil })
	s.Start(queued)
	go func() {
		time.Sleep(10 * time.Millisecond)
		release()
	}()
	s.Close()

	if !errors.Is(queued.Err(), ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", queued.Err())
	}

	late := NewTask("test", "late", Normal, func(context.Context) error { return nil })
	s.Start(late)
	if !errors.Is(late.Err(), ErrClosed) {
		t.Fatalf("expected ErrClosed for task started after close, got %v", late.Err())
	}
}

func TestTask_InfoReportsState(t *testing.T) {
	task := NewTask("preview", "build 1", High, func(context.Context) error { return errors.New("exit 1") })
	s := New(1)
	defer s.Close()
	s.Start(task)
	waitAll(t, task)

	info := task.Info()
	if info.Status != Completed || info.Priority != High {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Error != "exit 1" {
		t.Fatalf("expected error text, got %q", info.Error)
	}
	if info.Owner != "preview" {
		t.Fatalf("expected owner preview, got %q", info.Owner)
	}
}

func TestInfo_JSONRoundTrip(t *testing.T) {
	in := Info{ID: "t1", Owner: "mp3", Priority: Normal, Status: Running}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Info
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
	if err := json.Unmarshal([]byte(`{"priority":"urgent"}`), &out); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}
