package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Start recovers orphaned assignments, launches the matching loop, and
// schedules maintenance. Tasks submitted before Start sit in the queue and
// are matched on the first pass.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Load() {
	case stateRunning:
		return errors.New("coordinator already started")
	case stateStopped:
		return ErrStopped
	}

	// A previous process may have died mid-assignment. Its workers are gone
	// with it, so those tasks go back to pending before matching begins.
	recovered, err := c.queue.Recover()
	if err != nil {
		return fmt.Errorf("recover orphaned assignments: %w", err)
	}
	if recovered > 0 {
		c.logger.Info("recovered orphaned assignments", zap.Int("count", recovered))
	}

	if c.opts.retentionSchedule != "" {
		cr := cron.New()
		if _, err := cr.AddFunc(c.opts.retentionSchedule, c.retentionSweep); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", c.opts.retentionSchedule, err)
		}
		cr.Start()
		c.cron = cr
	}

	c.stopCh = make(chan struct{})
	c.state.Store(stateRunning)
	c.wg.Add(1)
	go c.loop()
	c.Wake()

	c.logger.Info("coordinator started",
		zap.Duration("match_interval", c.opts.matchInterval),
		zap.String("retention_schedule", c.opts.retentionSchedule))
	return nil
}

// Stop shuts the matching loop and maintenance down and closes the event
// channel. Idempotent; nothing mutates after it returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state.Load() != stateRunning {
		// Never started: settle straight into stopped so subscribers see
		// the channel close.
		if c.state.Load() == stateNew {
			c.state.Store(stateStopped)
			c.emitter.Close()
		}
		c.mu.Unlock()
		return
	}
	c.state.Store(stateStopped)
	close(c.stopCh)
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	c.wg.Wait()
	c.emitter.Close()
	c.logger.Info("coordinator stopped")
}

// loop waits for triggers and runs matching cycles until stopped. The ticker
// backstops triggers so work written by other processes sharing the store
// still gets picked up.
func (c *Coordinator) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.matchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		c.cycle()
	}
}

// cycle is one maintenance-and-matching pass: expire overdue attempts, bind
// eligible tasks to idle workers, then arm the wake-up for the next retry
// gate.
func (c *Coordinator) cycle() {
	c.reapExpired()
	if _, err := c.ProcessQueue(); err != nil && !errors.Is(err, ErrStopped) {
		c.logger.Error("matching pass failed", zap.Error(err))
	}
	c.armRetryWake()
}

// retentionSweep purges finished tasks past the retention age. Runs on the
// cron schedule configured via WithRetention.
func (c *Coordinator) retentionSweep() {
	n, err := c.queue.PurgeCompleted(c.opts.retainFor)
	if err != nil {
		c.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("retention sweep purged finished tasks",
			zap.Int64("count", n),
			zap.Duration("retain_for", c.opts.retainFor))
	}
}
