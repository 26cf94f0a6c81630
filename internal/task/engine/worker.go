package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"schedvault/internal/eventbus"
	logx "schedvault/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay}
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		ev.Error = "stale_queue_delay"
		s.record(ev, cfg.HistorySize)
		eventbus.Publish(s.bus, eventbus.TaskDropped, ev)
		s.warnLog.Warn("task dropped: stale queue", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
		if t.Done != nil {
			t.Done(ErrStale)
		}
		return
	}

	err := s.attempt(ctx, stopCh, qt, cfg, &ev.Attempts)
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}

	ev.Duration = time.Since(start)
	if err != nil {
		s.failed.Add(1)
		ev.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("dur", ev.Duration), logx.Int("attempts", ev.Attempts))
	} else {
		s.completed.Add(1)
		s.log.Debug("task completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", ev.Duration))
	}
	s.record(ev, cfg.HistorySize)
	eventbus.Publish(s.bus, eventbus.TaskFinished, ev)

	if t.Done != nil {
		t.Done(err)
	}
}

// attempt runs qt up to 1+RetryMax times, stopping early on success, a
// NoRetry error, or shutdown.
func (s *Service) attempt(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, cfg Config, attempts *int) error {
	for {
		*attempts++
		err := s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || *attempts > cfg.RetryMax {
			return err
		}
		delay := backoffDelay(cfg.RetryBase, *attempts)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", *attempts+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return ErrStopped
		case <-tmr.C:
		}
	}
}

// runOnce runs a single attempt. Panics become errors so one bad job cannot
// kill a worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// backoffDelay doubles base per attempt, capped at 15s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 15 * time.Second
	if attempt > 16 {
		return maxDelay
	}
	return min(base<<(attempt-1), maxDelay)
}
