package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"schedvault/internal/eventbus"
	logx "schedvault/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestEnqueueRunsTaskAndCallsDone(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	done := make(chan error, 1)
	var ran atomic.Bool
	err := s.Enqueue(Task{
		Name: "job",
		Run:  func(ctx context.Context) error { ran.Store(true); return nil },
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Done err = %v, want nil", err)
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TaskFinished {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no task.finished event")
	}

	snap := s.Snapshot()
	if snap.Completed != 1 || len(snap.History) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "boom",
		Run:  func(ctx context.Context) error { panic("kaboom") },
		Done: func(err error) { done <- err },
	})
	err := waitDone(t, done)
	if err == nil {
		t.Fatal("expected error from panicking task")
	}
	// The worker survives the panic.
	_ = s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { return nil }, Done: func(err error) { done <- err }})
	if err := waitDone(t, done); err != nil {
		t.Fatalf("second task err = %v", err)
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRetryThenNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond})

	var calls atomic.Int32
	done := make(chan error, 1)
	_ = s.Enqueue(Task{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); err != nil {
		t.Fatalf("err = %v, want success on third attempt", err)
	}

	permanent := errors.New("permanent")
	calls.Store(0)
	_ = s.Enqueue(Task{
		Name: "bad",
		Run:  func(ctx context.Context) error { calls.Add(1); return NoRetry(permanent) },
		Done: func(err error) { done <- err },
	})
	if err := waitDone(t, done); !errors.Is(err, permanent) || IsNoRetry(err) {
		t.Fatalf("err = %v, want unwrapped permanent error", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	if err := s.Enqueue(Task{Name: "queued", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Name: "dropped", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(release)
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d", got)
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	t.Parallel()
	task := Task{Name: "x", Run: func(ctx context.Context) error { return nil }}

	if err := New(Config{}, logx.Nop(), nil).Enqueue(task); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: err = %v", err)
	}
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(task); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: err = %v", err)
	}
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("expected error for nil Run")
	}
}
