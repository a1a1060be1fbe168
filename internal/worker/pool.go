package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/coordinator"
	"github.com/Lobbi-Docs/taskcoord/internal/distributor"
	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/registry"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// Pool runs a set of in-process workers. It implements the coordinator's
// Dispatcher: assignments arrive through Dispatch, each worker executes its
// handler on its own goroutine, and outcomes are reported back through the
// coordinator.
type Pool struct {
	coord    *coordinator.Coordinator
	handlers *HandlerRegistry
	defs     []Definition
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	workers map[string]*poolWorker
	// attempts maps in-flight task ids to their attempt cancel funcs.
	attempts map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// poolWorker is one registered worker with its private assignment lane.
// The lane is buffered for a single task: the coordinator only dispatches
// to a worker holding an idle slot, so the buffer is never contended.
type poolWorker struct {
	id          string
	name        string
	assignments chan *models.Task
}

// NewPool creates a Pool. Wire it with coord.SetDispatcher before starting
// either side.
func NewPool(coord *coordinator.Coordinator, handlers *HandlerRegistry, defs []Definition, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(defs) == 0 {
		defs = DefaultDefinitions()
	}
	return &Pool{
		coord:    coord,
		handlers: handlers,
		defs:     defs,
		logger:   logger,
		workers:  make(map[string]*poolWorker),
		attempts: make(map[string]context.CancelFunc),
	}
}

// Start registers every worker profile with the coordinator and launches
// the execution goroutines.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pool already started")
	}
	p.done = make(chan struct{})

	for _, def := range p.defs {
		for i := 0; i < def.Concurrency; i++ {
			name := def.Name
			if def.Concurrency > 1 {
				name = fmt.Sprintf("%s-%d", def.Name, i+1)
			}
			w, err := p.coord.RegisterWorker(models.WorkerDescriptor{
				Name:         name,
				Capabilities: def.Capabilities,
			})
			if err != nil {
				return fmt.Errorf("register pool worker %s: %w", name, err)
			}
			pw := &poolWorker{
				id:          w.ID,
				name:        name,
				assignments: make(chan *models.Task, 1),
			}
			p.workers[w.ID] = pw
			p.wg.Add(1)
			go p.run(pw)
		}
	}

	p.running = true
	p.logger.Info("worker pool started",
		zap.Int("workers", len(p.workers)),
		zap.Strings("handler_types", p.handlers.Types()))
	return nil
}

// Stop cancels in-flight attempts, deregisters every worker, and waits for
// the execution goroutines to drain. Tasks interrupted mid-flight return to
// pending through the coordinator's deregistration path.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.done)
	for _, cancel := range p.attempts {
		cancel()
	}
	workers := make([]*poolWorker, 0, len(p.workers))
	for _, pw := range p.workers {
		workers = append(workers, pw)
	}
	p.workers = make(map[string]*poolWorker)
	p.attempts = make(map[string]context.CancelFunc)
	p.mu.Unlock()

	for _, pw := range workers {
		if err := p.coord.DeregisterWorker(pw.id); err != nil &&
			!errors.Is(err, registry.ErrWorkerNotFound) &&
			!errors.Is(err, coordinator.ErrStopped) {
			p.logger.Warn("failed to deregister pool worker",
				zap.String("worker_id", pw.id),
				zap.Error(err))
		}
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Count returns the number of registered pool workers.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Dispatch hands an assignment to its worker's lane. Part of the
// coordinator.Dispatcher contract; never blocks.
func (p *Pool) Dispatch(t *models.Task, workerID string) {
	p.mu.Lock()
	pw, ok := p.workers[workerID]
	running := p.running
	p.mu.Unlock()

	if !ok || !running {
		// Raced a pool shutdown, or a worker this pool does not run; the
		// deregistration sweep requeues whatever stays assigned to a
		// removed worker.
		p.logger.Warn("dropping assignment for unknown worker",
			zap.String("task_id", t.ID),
			zap.String("worker_id", workerID))
		return
	}

	select {
	case pw.assignments <- t:
	default:
		// The slot contract was violated upstream; refuse rather than block.
		p.logger.Error("worker lane full, dropping assignment",
			zap.String("task_id", t.ID),
			zap.String("worker_id", workerID))
	}
}

// CancelAttempt cancels the context of an in-flight attempt. Advisory:
// unknown task ids are ignored.
func (p *Pool) CancelAttempt(taskID string) {
	p.mu.Lock()
	cancel, ok := p.attempts[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// run is one worker's execution loop: take an assignment, execute, report,
// release the slot, repeat until the pool stops. Assignments still queued
// at shutdown are dropped; deregistration already requeued them.
func (p *Pool) run(pw *poolWorker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case t := <-pw.assignments:
			p.execute(pw, t)
		}
	}
}

// execute runs a single attempt and reports the outcome.
func (p *Pool) execute(pw *poolWorker, t *models.Task) {
	defer p.release(pw)

	if err := p.coord.StartTask(t.ID); err != nil {
		// Superseded before we got to it: cancelled, reaped, or reassigned.
		p.logger.Debug("skipping stale assignment",
			zap.String("task_id", t.ID),
			zap.String("worker", pw.name),
			zap.Error(err))
		return
	}

	h, ok := p.handlers.Get(t.Type)
	if !ok {
		p.report(pw, t, distributor.Report{
			Error: fmt.Sprintf("no handler registered for task type %q", t.Type),
		})
		return
	}

	ctx, cancel := p.attemptContext(t)
	payload, err := runHandler(ctx, h, t)
	p.clearAttempt(t.ID)
	cancel()

	if err != nil {
		rep := distributor.Report{Error: err.Error()}
		var pe *panicError
		if errors.As(err, &pe) {
			rep.Stack = string(pe.stack)
		}
		p.report(pw, t, rep)
		return
	}
	p.report(pw, t, distributor.Report{Success: true, Result: payload})
}

// attemptContext builds the per-attempt context: deadline from the task's
// timeout when set, and registration for cooperative cancellation.
func (p *Pool) attemptContext(t *models.Task) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if t.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(t.TimeoutMs)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	p.mu.Lock()
	p.attempts[t.ID] = cancel
	p.mu.Unlock()
	return ctx, cancel
}

func (p *Pool) clearAttempt(taskID string) {
	p.mu.Lock()
	delete(p.attempts, taskID)
	p.mu.Unlock()
}

// report sends the attempt outcome to the coordinator. Exhaustion and
// superseded-attempt races are expected shapes, not pool errors.
func (p *Pool) report(pw *poolWorker, t *models.Task, rep distributor.Report) {
	_, err := p.coord.CompleteTask(t.ID, rep)
	if err == nil || errors.Is(err, distributor.ErrRetriesExhausted) || errors.Is(err, coordinator.ErrStopped) {
		return
	}
	var te *queue.TransitionError
	if errors.As(err, &te) {
		p.logger.Debug("completion report superseded",
			zap.String("task_id", t.ID),
			zap.String("worker", pw.name))
		return
	}
	p.logger.Error("failed to report task completion",
		zap.String("task_id", t.ID),
		zap.String("worker", pw.name),
		zap.Error(err))
}

// release returns the worker's slot to the coordinator.
func (p *Pool) release(pw *poolWorker) {
	if err := p.coord.ReleaseWorker(pw.id); err != nil &&
		!errors.Is(err, registry.ErrWorkerNotFound) {
		p.logger.Warn("failed to release worker slot",
			zap.String("worker_id", pw.id),
			zap.Error(err))
	}
}

// panicError wraps a recovered handler panic with its stack.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// runHandler invokes the handler with panic recovery so a crashing handler
// fails its attempt instead of taking the worker down.
func runHandler(ctx context.Context, h Handler, t *models.Task) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx, t)
}
