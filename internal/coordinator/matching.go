package coordinator

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/distributor"
	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
)

// ProcessQueue runs one matching pass: walk eligible tasks in scheduling
// order and bind each to an idle capability-matching worker. A task with no
// capable idle worker is skipped without blocking the tasks behind it. The
// pass ends when every eligible task has been considered once; workers only
// get busier during a pass, so a second sweep could not match more.
// Returns the number of assignments made.
func (c *Coordinator) ProcessQueue() (int, error) {
	if c.stopped() {
		return 0, ErrStopped
	}
	c.matchMu.Lock()
	defer c.matchMu.Unlock()

	tasks, err := c.queue.Eligible()
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, t := range tasks {
		w := c.registry.Acquire(t.RequiredCapabilities, t.Affinity)
		if w == nil {
			continue
		}

		if err := c.queue.Assign(t.ID, w.ID); err != nil {
			// Give the slot back before deciding whether to bail.
			if rerr := c.registry.Release(w.ID); rerr != nil {
				c.logger.Warn("failed to release worker after assign race",
					zap.String("worker_id", w.ID),
					zap.Error(rerr))
			}
			var te *queue.TransitionError
			if errors.As(err, &te) || errors.Is(err, store.ErrNotFound) {
				// The task moved on since we listed it, e.g. cancelled or
				// assigned by a concurrent caller. Not our problem anymore.
				continue
			}
			return assigned, err
		}

		assigned++
		c.emitTaskEvent(EventTaskAssigned, t, w.ID, "")
		c.logger.Debug("task assigned",
			zap.String("task_id", t.ID),
			zap.String("task_type", t.Type),
			zap.String("worker_id", w.ID))
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(t, w.ID)
		}
	}
	return assigned, nil
}

// reapExpired feeds tasks past their per-attempt deadline into the retry
// path. The attempt may still be executing somewhere, so the adapter is told
// to abandon it; losing the race against the worker's own report is fine,
// whichever write lands first settles the task.
func (c *Coordinator) reapExpired() {
	tasks, err := c.queue.Expired()
	if err != nil {
		c.logger.Error("failed to list expired tasks", zap.Error(err))
		return
	}

	for _, t := range tasks {
		out, err := c.distributor.TimeoutTask(t.ID)
		var ree *distributor.RetryExhaustedError
		switch {
		case errors.As(err, &ree):
			c.emitTaskEvent(EventTaskTimedOut, t, t.AssignedWorker, "deadline exceeded")
			c.emit(Event{
				Type:      EventTaskDeadLettered,
				TaskID:    t.ID,
				TaskType:  t.Type,
				Attempt:   ree.Entry.AttemptCount,
				Message:   ree.Entry.FinalError,
				Timestamp: c.now(),
			})
		case err != nil:
			c.logger.Debug("timeout reap lost race with completion report",
				zap.String("task_id", t.ID),
				zap.Error(err))
			continue
		default:
			c.emitTaskEvent(EventTaskTimedOut, t, t.AssignedWorker, "deadline exceeded")
			c.emit(Event{
				Type:      EventTaskRequeued,
				TaskID:    t.ID,
				TaskType:  t.Type,
				Attempt:   out.Attempt,
				Timestamp: c.now(),
			})
		}
		if c.dispatcher != nil {
			c.dispatcher.CancelAttempt(t.ID)
		}
	}
}

// armRetryWake schedules a wake-up for the earliest pending retry gate, so
// gated tasks get matched the moment they become eligible instead of waiting
// out the ticker.
func (c *Coordinator) armRetryWake() {
	next, err := c.queue.NextEligibleAt()
	if err != nil {
		c.logger.Error("failed to query next retry gate", zap.Error(err))
		return
	}
	if next == nil {
		return
	}

	d := next.Sub(c.now())
	if d < 0 {
		d = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != stateRunning {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(d, c.Wake)
}
