package coordinator

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Lobbi-Docs/taskcoord/internal/distributor"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

func setupTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	c := New(db, opts...)
	t.Cleanup(c.Stop)
	return c
}

// recordingDispatcher captures assignments without executing anything.
type recordingDispatcher struct {
	mu          sync.Mutex
	assignments map[string]string // task id -> worker id
	cancelled   []string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{assignments: make(map[string]string)}
}

func (d *recordingDispatcher) Dispatch(t *models.Task, workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments[t.ID] = workerID
}

func (d *recordingDispatcher) CancelAttempt(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, taskID)
}

func (d *recordingDispatcher) workerFor(taskID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.assignments[taskID]
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// waitForEvent consumes events until one of the wanted type arrives.
func waitForEvent(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestProcessQueue_AssignsToCapableWorker(t *testing.T) {
	c := setupTestCoordinator(t)
	d := newRecordingDispatcher()
	c.SetDispatcher(d)

	w, err := c.RegisterWorker(models.WorkerDescriptor{Name: "gpu-box", Capabilities: []string{"gpu"}})
	if err != nil {
		t.Fatalf("failed to register worker: %v", err)
	}
	task, err := c.SubmitTask(models.TaskSubmission{Type: "train", RequiredCapabilities: []string{"gpu"}})
	if err != nil {
		t.Fatalf("failed to submit task: %v", err)
	}

	n, err := c.ProcessQueue()
	if err != nil {
		t.Fatalf("process queue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("assigned = %d, want 1", n)
	}

	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.TaskStatusAssigned {
		t.Errorf("status = %s, want assigned", got.Status)
	}
	if got.AssignedWorker != w.ID {
		t.Errorf("assigned worker = %s, want %s", got.AssignedWorker, w.ID)
	}
	if d.workerFor(task.ID) != w.ID {
		t.Errorf("dispatched worker = %s, want %s", d.workerFor(task.ID), w.ID)
	}

	// Worker is now busy; a second pass has nothing to do.
	n, err = c.ProcessQueue()
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass assigned = %d, want 0", n)
	}
}

func TestProcessQueue_SkipsUnmatchableHead(t *testing.T) {
	c := setupTestCoordinator(t)

	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "cpu-box", Capabilities: []string{"compute"}}); err != nil {
		t.Fatalf("failed to register worker: %v", err)
	}

	// The urgent head requires a capability nobody offers; the normal task
	// behind it must still be assigned.
	gpu, err := c.SubmitTask(models.TaskSubmission{
		Type:                 "train",
		Priority:             models.PriorityUrgent,
		RequiredCapabilities: []string{"gpu"},
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	plain, err := c.SubmitTask(models.TaskSubmission{Type: "sum", RequiredCapabilities: []string{"compute"}})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	n, err := c.ProcessQueue()
	if err != nil {
		t.Fatalf("process queue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("assigned = %d, want 1", n)
	}

	gotGPU, _ := c.GetTask(gpu.ID)
	if gotGPU.Status != models.TaskStatusPending {
		t.Errorf("gpu task status = %s, want pending", gotGPU.Status)
	}
	gotPlain, _ := c.GetTask(plain.ID)
	if gotPlain.Status != models.TaskStatusAssigned {
		t.Errorf("plain task status = %s, want assigned", gotPlain.Status)
	}
}

func TestProcessQueue_NoWorkers(t *testing.T) {
	c := setupTestCoordinator(t)

	if _, err := c.SubmitTask(models.TaskSubmission{Type: "t"}); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	n, err := c.ProcessQueue()
	if err != nil {
		t.Fatalf("process queue failed: %v", err)
	}
	if n != 0 {
		t.Errorf("assigned = %d with no workers, want 0", n)
	}
}

func TestProcessQueue_HonorsAffinity(t *testing.T) {
	c := setupTestCoordinator(t)

	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "first"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	preferred, err := c.RegisterWorker(models.WorkerDescriptor{Name: "preferred"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	task, err := c.SubmitTask(models.TaskSubmission{Type: "t", Affinity: "preferred"})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	if _, err := c.ProcessQueue(); err != nil {
		t.Fatalf("process queue failed: %v", err)
	}

	got, _ := c.GetTask(task.ID)
	if got.AssignedWorker != preferred.ID {
		t.Errorf("assigned worker = %s, want affinity target %s", got.AssignedWorker, preferred.ID)
	}
}

func TestDeregisterWorker_RequeuesAssignments(t *testing.T) {
	c := setupTestCoordinator(t)

	w, err := c.RegisterWorker(models.WorkerDescriptor{Name: "doomed"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	task, err := c.SubmitTask(models.TaskSubmission{Type: "t"})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if _, err := c.ProcessQueue(); err != nil {
		t.Fatalf("process queue failed: %v", err)
	}

	if err := c.DeregisterWorker(w.ID); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("status = %s after worker left, want pending", got.Status)
	}
	// The interrupted attempt does not burn retry budget.
	if got.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", got.AttemptCount)
	}
	if len(c.Workers()) != 0 {
		t.Errorf("workers = %d after deregister, want 0", len(c.Workers()))
	}
}

func TestDeregisterWorker_WaitsForMatchingPass(t *testing.T) {
	c := setupTestCoordinator(t)

	w, err := c.RegisterWorker(models.WorkerDescriptor{Name: "leaving"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	task, err := c.SubmitTask(models.TaskSubmission{Type: "t"})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	// Hold the match lock the way an in-flight matching pass does.
	c.matchMu.Lock()

	done := make(chan error, 1)
	go func() { done <- c.DeregisterWorker(w.ID) }()

	select {
	case err := <-done:
		c.matchMu.Unlock()
		t.Fatalf("deregister returned %v during a matching pass", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The pass binds the task to the departing worker before releasing the
	// lock; the sweep below must still see this assignment.
	if err := c.queue.Assign(task.ID, w.ID); err != nil {
		c.matchMu.Unlock()
		t.Fatalf("assign failed: %v", err)
	}
	c.matchMu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("status = %s after mid-match deregister, want pending", got.Status)
	}
	if got.AssignedWorker != "" {
		t.Errorf("assigned worker = %s, want cleared", got.AssignedWorker)
	}
	if len(c.Workers()) != 0 {
		t.Errorf("workers = %d after deregister, want 0", len(c.Workers()))
	}
}

func TestSubmitTask_ConfiguredRetryDefault(t *testing.T) {
	c := setupTestCoordinator(t, WithRetryPolicy(models.RetryPolicy{
		MaxRetries:  9,
		BaseDelayMs: 250,
	}))

	task, err := c.SubmitTask(models.TaskSubmission{Type: "t"})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Retry.MaxRetries != 9 {
		t.Errorf("max retries = %d, want configured 9", got.Retry.MaxRetries)
	}
	if got.Retry.BaseDelayMs != 250 {
		t.Errorf("base delay = %d, want configured 250", got.Retry.BaseDelayMs)
	}

	// A submission carrying its own policy still wins.
	task, err = c.SubmitTask(models.TaskSubmission{
		Type:  "t",
		Retry: &models.RetryPolicy{MaxRetries: 1, BaseDelayMs: 50},
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	got, _ = c.GetTask(task.ID)
	if got.Retry.MaxRetries != 1 {
		t.Errorf("max retries = %d, want submitted 1", got.Retry.MaxRetries)
	}
}

func TestStartStop(t *testing.T) {
	c := setupTestCoordinator(t)

	if err := c.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Error("second start should fail")
	}

	c.Stop()
	c.Stop() // idempotent

	if _, err := c.SubmitTask(models.TaskSubmission{Type: "t"}); !errors.Is(err, ErrStopped) {
		t.Errorf("submit after stop = %v, want ErrStopped", err)
	}
	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("register after stop = %v, want ErrStopped", err)
	}
	if err := c.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("restart after stop = %v, want ErrStopped", err)
	}

	// Event channel closes so subscribers can exit.
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("expected closed event channel after stop")
		}
	case <-time.After(time.Second):
		t.Error("event channel still open after stop")
	}
}

func TestRecoveryOnStart(t *testing.T) {
	c := setupTestCoordinator(t)

	// Simulate a crashed predecessor: a task stuck in assigned with no
	// worker process behind it.
	task, err := c.Queue().Enqueue(models.TaskSubmission{Type: "t"})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := c.Queue().Assign(task.ID, "dead-worker"); err != nil {
		t.Fatalf("failed to assign: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.TaskStatusPending {
		t.Errorf("status = %s after recovery, want pending", got.Status)
	}
}

// poolDispatcher simulates a worker adapter: it executes a scripted handler
// for each assignment on its own goroutine and reports through the
// coordinator.
type poolDispatcher struct {
	c       *Coordinator
	handler func(t *models.Task) distributor.Report
}

func (d *poolDispatcher) Dispatch(task *models.Task, workerID string) {
	go func() {
		_ = d.c.StartTask(task.ID)
		rep := d.handler(task)
		_, _ = d.c.CompleteTask(task.ID, rep)
		_ = d.c.ReleaseWorker(workerID)
	}()
}

func (d *poolDispatcher) CancelAttempt(string) {}

func TestLifecycleEvents_SuccessfulTask(t *testing.T) {
	c := setupTestCoordinator(t, WithMatchInterval(50*time.Millisecond))
	c.SetDispatcher(&poolDispatcher{c: c, handler: func(*models.Task) distributor.Report {
		return distributor.Report{Success: true, Result: json.RawMessage(`{"ok":true}`)}
	}})
	events := c.Events()

	if err := c.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "runner"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	task, err := c.SubmitTask(models.TaskSubmission{Type: "job"})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	waitForEvent(t, events, EventTaskAssigned, 5*time.Second)
	waitForEvent(t, events, EventTaskCompleted, 5*time.Second)

	got, err := c.GetTask(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	r, err := c.Result(task.ID)
	if err != nil {
		t.Fatalf("result lookup failed: %v", err)
	}
	if r == nil {
		t.Fatal("expected stored result")
	}
}

func TestRetryFlow_FailsOnceThenSucceeds(t *testing.T) {
	c := setupTestCoordinator(t, WithMatchInterval(50*time.Millisecond))

	var mu sync.Mutex
	calls := 0
	c.SetDispatcher(&poolDispatcher{c: c, handler: func(*models.Task) distributor.Report {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return distributor.Report{Error: "transient glitch"}
		}
		return distributor.Report{Success: true}
	}})

	if err := c.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "runner"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	task, err := c.SubmitTask(models.TaskSubmission{
		Type:  "flaky",
		Retry: &models.RetryPolicy{MaxRetries: 3, BaseDelayMs: 50, MaxDelayMs: 200, BackoffFactor: 2},
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	waitFor(t, 10*time.Second, "task to complete after retry", func() bool {
		got, err := c.GetTask(task.ID)
		return err == nil && got.Status == models.TaskStatusCompleted
	})

	got, _ := c.GetTask(task.ID)
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1 consumed attempt", got.AttemptCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestExhaustionFlow_DeadLetters(t *testing.T) {
	c := setupTestCoordinator(t, WithMatchInterval(50*time.Millisecond))
	c.SetDispatcher(&poolDispatcher{c: c, handler: func(*models.Task) distributor.Report {
		return distributor.Report{Error: "always broken"}
	}})
	events := c.Events()

	if err := c.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "runner"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	task, err := c.SubmitTask(models.TaskSubmission{
		Type:  "doomed",
		Retry: &models.RetryPolicy{MaxRetries: 2, BaseDelayMs: 30, MaxDelayMs: 100, BackoffFactor: 2},
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	ev := waitForEvent(t, events, EventTaskDeadLettered, 10*time.Second)
	if ev.TaskID != task.ID {
		t.Errorf("dead-lettered task = %s, want %s", ev.TaskID, task.ID)
	}
	if ev.Attempt != 2 {
		t.Errorf("attempts at dead-letter = %d, want 2", ev.Attempt)
	}

	entries, err := c.DeadLetters(0)
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want exactly 1", len(entries))
	}
	if entries[0].TaskID != task.ID {
		t.Errorf("entry task = %s, want %s", entries[0].TaskID, task.ID)
	}
	if entries[0].FinalError != "always broken" {
		t.Errorf("entry error = %q, want always broken", entries[0].FinalError)
	}
}

func TestTimeoutReaper(t *testing.T) {
	c := setupTestCoordinator(t, WithMatchInterval(25*time.Millisecond))
	d := newRecordingDispatcher() // accepts assignments, never reports back

	var startOnce sync.Once
	c.SetDispatcher(dispatcherFunc{
		dispatch: func(task *models.Task, workerID string) {
			d.Dispatch(task, workerID)
			startOnce.Do(func() {
				_ = c.StartTask(task.ID)
			})
		},
		cancel: d.CancelAttempt,
	})

	if err := c.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "silent"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	task, err := c.SubmitTask(models.TaskSubmission{
		Type:      "hung",
		TimeoutMs: 50,
		Retry:     &models.RetryPolicy{MaxRetries: 5, BaseDelayMs: 10, MaxDelayMs: 50, BackoffFactor: 2},
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	// The reaper expires the hung attempt and schedules a retry.
	waitFor(t, 10*time.Second, "hung task to be reaped", func() bool {
		got, err := c.GetTask(task.ID)
		return err == nil && got.AttemptCount >= 1
	})

	got, _ := c.GetTask(task.ID)
	if got.LastError != "deadline exceeded" {
		t.Errorf("last error = %q, want deadline exceeded", got.LastError)
	}
}

// dispatcherFunc adapts bare functions to the Dispatcher interface.
type dispatcherFunc struct {
	dispatch func(*models.Task, string)
	cancel   func(string)
}

func (d dispatcherFunc) Dispatch(t *models.Task, workerID string) { d.dispatch(t, workerID) }
func (d dispatcherFunc) CancelAttempt(taskID string)              { d.cancel(taskID) }

func TestProgressAndHealth(t *testing.T) {
	c := setupTestCoordinator(t)

	if _, err := c.RegisterWorker(models.WorkerDescriptor{Name: "runner"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if _, err := c.SubmitTask(models.TaskSubmission{Type: "a"}); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if _, err := c.SubmitTask(models.TaskSubmission{Type: "b"}); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if _, err := c.ProcessQueue(); err != nil {
		t.Fatalf("process queue failed: %v", err)
	}

	p, err := c.Progress()
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if p.Total != 2 {
		t.Errorf("total = %d, want 2", p.Total)
	}
	if p.Pending != 1 || p.Active != 1 {
		t.Errorf("pending/active = %d/%d, want 1/1", p.Pending, p.Active)
	}
	if p.Percent != 0 {
		t.Errorf("percent = %f with nothing finished, want 0", p.Percent)
	}

	h, err := c.Health()
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if h.Running {
		t.Error("running = true before start")
	}
	if h.IdleWorkers != 0 || h.BusyWorkers != 1 {
		t.Errorf("idle/busy = %d/%d, want 0/1", h.IdleWorkers, h.BusyWorkers)
	}
	if h.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1", h.QueueDepth)
	}
}

func TestCancelTask_SignalsDispatcher(t *testing.T) {
	c := setupTestCoordinator(t)
	d := newRecordingDispatcher()
	c.SetDispatcher(d)

	task, err := c.SubmitTask(models.TaskSubmission{Type: "t"})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}

	if err := c.CancelTask(task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := c.GetTask(task.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.cancelled) != 1 || d.cancelled[0] != task.ID {
		t.Errorf("cancel signals = %v, want [%s]", d.cancelled, task.ID)
	}
}

func TestRetryDeadLetterThroughCoordinator(t *testing.T) {
	c := setupTestCoordinator(t)

	task, err := c.SubmitTask(models.TaskSubmission{
		Type:  "t",
		Retry: &models.RetryPolicy{MaxRetries: 1, BaseDelayMs: 10, MaxDelayMs: 50, BackoffFactor: 2},
	})
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if err := c.Queue().Assign(task.ID, "w1"); err != nil {
		t.Fatalf("failed to assign: %v", err)
	}
	if err := c.StartTask(task.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if _, err := c.CompleteTask(task.ID, distributor.Report{Error: "boom"}); !errors.Is(err, distributor.ErrRetriesExhausted) {
		t.Fatalf("complete = %v, want ErrRetriesExhausted", err)
	}

	entries, err := c.DeadLetters(0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	fresh, err := c.RetryDeadLetter(entries[0].ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if fresh.ParentTaskID != task.ID {
		t.Errorf("parent = %s, want %s", fresh.ParentTaskID, task.ID)
	}

	remaining, err := c.DeadLetters(0)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("entries remaining = %d, want 0", len(remaining))
	}
}
