package coordinator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/distributor"
	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/registry"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// ErrStopped is returned by mutating operations after Stop.
var ErrStopped = errors.New("coordinator is stopped")

// Coordinator lifecycle states.
const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Dispatcher is the worker-side adapter that receives assignments. Dispatch
// must not block: the target worker held an idle slot when the assignment
// was made, so a well-behaved adapter always has room for it. CancelAttempt
// asks the adapter to abandon an in-flight attempt; it is advisory and may
// refer to a task the adapter no longer runs.
type Dispatcher interface {
	Dispatch(t *models.Task, workerID string)
	CancelAttempt(taskID string)
}

// Coordinator wires the queue, registry, and distributor together. It owns
// the matching loop, lifecycle notifications, and periodic maintenance.
// A single Coordinator instance is authoritative for its store.
type Coordinator struct {
	queue       *queue.TaskQueue
	registry    *registry.Registry
	distributor *distributor.Distributor
	emitter     *EventEmitter
	dispatcher  Dispatcher
	logger      *zap.Logger
	opts        coordinatorOptions

	// matchMu serializes matching passes with each other and with worker
	// removal. A pass's registry lookup and assignment write form one
	// critical section, so a worker cannot be deregistered between the two
	// and a removal sweep always sees every assignment already made.
	matchMu sync.Mutex

	// trigger wakes the loop for an immediate matching pass.
	trigger chan struct{}

	state      atomic.Int32
	mu         sync.Mutex
	stopCh     chan struct{}
	retryTimer *time.Timer
	cron       *cron.Cron
	wg         sync.WaitGroup

	now func() time.Time
}

// New creates a Coordinator over an opened store. The store must already be
// migrated.
func New(db *store.DB, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var qopts []queue.Option
	if o.retryPolicy != nil {
		qopts = append(qopts, queue.WithDefaultRetry(*o.retryPolicy))
	}
	q := queue.New(db, logger, qopts...)
	return &Coordinator{
		queue:       q,
		registry:    registry.New(),
		distributor: distributor.New(db, q, logger),
		emitter:     NewEventEmitter(o.eventBuffer, logger),
		logger:      logger,
		opts:        o,
		trigger:     make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Queue exposes the underlying task queue for direct access, e.g. one-shot
// CLI commands that inspect the store without running a coordinator.
func (c *Coordinator) Queue() *queue.TaskQueue {
	return c.queue
}

// SetDispatcher wires the worker-side adapter that receives assignments.
// Must be called before Start.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Events returns the lifecycle notification channel. It closes when the
// coordinator stops.
func (c *Coordinator) Events() <-chan Event {
	return c.emitter.Events()
}

// EventsDropped returns how many notifications were dropped because the
// subscriber fell behind.
func (c *Coordinator) EventsDropped() uint64 {
	return c.emitter.DroppedCount()
}

// Wake requests an immediate matching pass. Coalesces: multiple wakes before
// the loop runs collapse into one pass.
func (c *Coordinator) Wake() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// SubmitTask enqueues one task and triggers matching.
func (c *Coordinator) SubmitTask(sub models.TaskSubmission) (*models.Task, error) {
	if c.stopped() {
		return nil, ErrStopped
	}
	t, err := c.queue.Enqueue(sub)
	if err != nil {
		return nil, err
	}
	c.emitTaskEvent(EventTaskEnqueued, t, "", "")
	c.Wake()
	return t, nil
}

// SubmitTasks enqueues a batch atomically and triggers matching.
func (c *Coordinator) SubmitTasks(subs []models.TaskSubmission) ([]*models.Task, error) {
	if c.stopped() {
		return nil, ErrStopped
	}
	tasks, err := c.queue.EnqueueAll(subs)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		c.emitTaskEvent(EventTaskEnqueued, t, "", "")
	}
	c.Wake()
	return tasks, nil
}

// RegisterWorker adds a worker to the registry and triggers matching, since
// new capacity may unblock waiting tasks.
func (c *Coordinator) RegisterWorker(desc models.WorkerDescriptor) (*models.Worker, error) {
	if c.stopped() {
		return nil, ErrStopped
	}
	w, err := c.registry.Register(desc)
	if err != nil {
		return nil, err
	}
	c.emit(Event{
		Type:      EventWorkerRegistered,
		WorkerID:  w.ID,
		Message:   w.Name,
		Timestamp: c.now(),
	})
	c.Wake()
	return w, nil
}

// DeregisterWorker removes a worker. Removal excludes matching passes, so a
// pass in flight finishes before the worker disappears and can never bind new
// work to it afterwards. Tasks still assigned to the worker return to pending
// so another worker can pick them up; the interrupted attempt is not counted
// against their retry budget.
func (c *Coordinator) DeregisterWorker(id string) error {
	if c.stopped() {
		return ErrStopped
	}
	c.matchMu.Lock()
	defer c.matchMu.Unlock()

	w, err := c.registry.Deregister(id)
	if err != nil {
		return err
	}

	orphaned, err := c.queue.AssignedTo(id)
	if err != nil {
		return err
	}
	for _, t := range orphaned {
		if err := c.queue.Requeue(t.ID); err != nil {
			c.logger.Warn("failed to requeue orphaned task",
				zap.String("task_id", t.ID),
				zap.Error(err))
			continue
		}
		c.emitTaskEvent(EventTaskRequeued, t, id, "worker deregistered")
	}

	c.emit(Event{
		Type:      EventWorkerDeregistered,
		WorkerID:  id,
		Message:   w.Name,
		Timestamp: c.now(),
	})
	if len(orphaned) > 0 {
		c.Wake()
	}
	return nil
}

// ReleaseWorker returns a worker's slot to the idle pool after an attempt
// finishes. Worker adapters own calling this exactly once per attempt.
func (c *Coordinator) ReleaseWorker(id string) error {
	if err := c.registry.Release(id); err != nil {
		return err
	}
	c.Wake()
	return nil
}

// TouchWorker records a liveness signal from a worker.
func (c *Coordinator) TouchWorker(id string) error {
	return c.registry.Touch(id)
}

// Workers lists all registered workers, oldest registration first.
func (c *Coordinator) Workers() []*models.Worker {
	return c.registry.List()
}

// StartTask records that a worker began executing its assignment.
func (c *Coordinator) StartTask(taskID string) error {
	if c.stopped() {
		return ErrStopped
	}
	if err := c.distributor.StartTask(taskID); err != nil {
		return err
	}
	if t, err := c.queue.Get(taskID); err == nil {
		c.emitTaskEvent(EventTaskStarted, t, t.AssignedWorker, "")
	}
	return nil
}

// CompleteTask applies a worker's execution report and emits the matching
// lifecycle events. Transient failures resolve to a scheduled retry and do
// not return an error; exhaustion surfaces as a RetryExhaustedError after
// the dead-letter entry is recorded.
func (c *Coordinator) CompleteTask(taskID string, rep distributor.Report) (*distributor.Outcome, error) {
	if c.stopped() {
		return nil, ErrStopped
	}
	out, err := c.distributor.CompleteTask(taskID, rep)

	var ree *distributor.RetryExhaustedError
	switch {
	case errors.As(err, &ree):
		c.emit(Event{
			Type:      EventTaskDeadLettered,
			TaskID:    taskID,
			Attempt:   ree.Entry.AttemptCount,
			Message:   ree.Entry.FinalError,
			Timestamp: c.now(),
		})
	case err != nil:
		return nil, err
	case out.Status == models.TaskStatusCompleted:
		c.emit(Event{
			Type:      EventTaskCompleted,
			TaskID:    taskID,
			Timestamp: c.now(),
		})
	default:
		c.emit(Event{
			Type:      EventTaskFailed,
			TaskID:    taskID,
			Attempt:   out.Attempt,
			Message:   rep.Error,
			Timestamp: c.now(),
		})
		c.emit(Event{
			Type:      EventTaskRequeued,
			TaskID:    taskID,
			Attempt:   out.Attempt,
			Timestamp: c.now(),
		})
	}

	c.Wake()
	return out, err
}

// Result returns the stored result for a task, nil when the task exists but
// has produced none.
func (c *Coordinator) Result(taskID string) (*models.Result, error) {
	return c.distributor.Result(taskID)
}

// GetTask retrieves a task by id.
func (c *Coordinator) GetTask(taskID string) (*models.Task, error) {
	return c.queue.Get(taskID)
}

// CancelTask stops a task from progressing. A running attempt is asked to
// abandon the work through the dispatcher but is never interrupted forcibly.
func (c *Coordinator) CancelTask(taskID string) error {
	if c.stopped() {
		return ErrStopped
	}
	t, err := c.queue.Get(taskID)
	if err != nil {
		return err
	}
	if err := c.queue.Cancel(taskID); err != nil {
		return err
	}
	c.emitTaskEvent(EventTaskCancelled, t, t.AssignedWorker, "")
	if c.dispatcher != nil {
		c.dispatcher.CancelAttempt(taskID)
	}
	return nil
}

// RetryDeadLetter resubmits a dead-lettered task as a fresh task and
// triggers matching.
func (c *Coordinator) RetryDeadLetter(entryID int64) (*models.Task, error) {
	if c.stopped() {
		return nil, ErrStopped
	}
	t, err := c.queue.RetryDeadLetter(entryID)
	if err != nil {
		return nil, err
	}
	c.emitTaskEvent(EventTaskEnqueued, t, "", "resubmitted from dead-letter queue")
	c.Wake()
	return t, nil
}

// DeadLetters lists dead-letter entries, newest failure first.
func (c *Coordinator) DeadLetters(limit int) ([]*models.DeadLetterEntry, error) {
	return c.queue.DeadLetters(limit)
}

// Stats returns the queue's statistics snapshot.
func (c *Coordinator) Stats() (*queue.Stats, error) {
	return c.queue.Stats()
}

// Progress reports how far the submitted workload has advanced.
type Progress struct {
	// Total is the number of tasks across every status.
	Total int `json:"total"`
	// Pending counts tasks waiting for a worker, including gated retries.
	Pending int `json:"pending"`
	// Active counts tasks currently assigned or running.
	Active int `json:"active"`
	// Completed counts successfully finished tasks.
	Completed int `json:"completed"`
	// Failed counts tasks that exhausted retries.
	Failed int `json:"failed"`
	// Cancelled counts tasks stopped before completion.
	Cancelled int `json:"cancelled"`
	// Percent is the share of tasks that reached a final state, 0-100.
	Percent float64 `json:"percent"`
}

// Progress computes workload progress from queue statistics.
func (c *Coordinator) Progress() (*Progress, error) {
	s, err := c.queue.Stats()
	if err != nil {
		return nil, err
	}
	p := &Progress{
		Total:     s.Total(),
		Pending:   s.Pending + s.Timeout,
		Active:    s.Assigned + s.Running,
		Completed: s.Completed,
		Failed:    s.Failed,
		Cancelled: s.Cancelled,
	}
	finished := s.Completed + s.Cancelled + s.Failed
	if p.Total > 0 {
		p.Percent = float64(finished) / float64(p.Total) * 100
	}
	return p, nil
}

// Health is a snapshot for backpressure and liveness decisions. Admission
// policy is the caller's: the coordinator reports depth, it does not refuse
// submissions.
type Health struct {
	// Running reports whether the matching loop is active.
	Running bool `json:"running"`
	// IdleWorkers counts workers ready for an assignment.
	IdleWorkers int `json:"idle_workers"`
	// BusyWorkers counts workers with an active assignment.
	BusyWorkers int `json:"busy_workers"`
	// QueueDepth counts tasks waiting for a worker.
	QueueDepth int `json:"queue_depth"`
	// DeadLetters counts entries parked in the dead-letter queue.
	DeadLetters int `json:"dead_letters"`
	// EventsDropped counts notifications lost to a slow subscriber.
	EventsDropped uint64 `json:"events_dropped"`
}

// Health reports worker availability and queue depth.
func (c *Coordinator) Health() (*Health, error) {
	s, err := c.queue.Stats()
	if err != nil {
		return nil, err
	}
	idle, busy := c.registry.Counts()
	return &Health{
		Running:       c.state.Load() == stateRunning,
		IdleWorkers:   idle,
		BusyWorkers:   busy,
		QueueDepth:    s.Pending,
		DeadLetters:   s.DeadLetters,
		EventsDropped: c.emitter.DroppedCount(),
	}, nil
}

func (c *Coordinator) stopped() bool {
	return c.state.Load() == stateStopped
}

// emit publishes an event when notifications are active.
func (c *Coordinator) emit(ev Event) {
	if c.state.Load() != stateRunning {
		return
	}
	c.emitter.Emit(ev)
}

func (c *Coordinator) emitTaskEvent(typ EventType, t *models.Task, workerID, message string) {
	c.emit(Event{
		Type:      typ,
		TaskID:    t.ID,
		TaskType:  t.Type,
		Priority:  t.Priority,
		WorkerID:  workerID,
		Attempt:   t.AttemptCount,
		Message:   message,
		Timestamp: c.now(),
	})
}
