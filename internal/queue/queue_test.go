package queue

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

func setupTestQueue(t *testing.T, opts ...Option) *TaskQueue {
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
	return New(db, nil, opts...)
}

func mustEnqueue(t *testing.T, q *TaskQueue, sub models.TaskSubmission) *models.Task {
	t.Helper()
	task, err := q.Enqueue(sub)
	if err != nil {
		t.Fatalf("failed to enqueue task: %v", err)
	}
	return task
}

func TestEnqueue_AppliesDefaults(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{
		Type:    "render",
		Payload: json.RawMessage(`{"frame":1}`),
	})

	if task.ID == "" {
		t.Error("expected generated task ID")
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Priority != models.PriorityNormal {
		t.Errorf("priority = %s, want normal", task.Priority)
	}
	if task.Retry != models.DefaultRetryPolicy() {
		t.Errorf("retry policy = %+v, want defaults", task.Retry)
	}
	if task.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	stored, err := q.Get(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if stored.Type != "render" {
		t.Errorf("stored type = %s, want render", stored.Type)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q := setupTestQueue(t)

	tests := []struct {
		name string
		sub  models.TaskSubmission
	}{
		{"empty type", models.TaskSubmission{}},
		{"invalid priority", models.TaskSubmission{Type: "t", Priority: "critical"}},
		{"negative timeout", models.TaskSubmission{Type: "t", TimeoutMs: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Enqueue(tt.sub); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnqueue_NormalizesPartialRetryPolicy(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{
		Type:  "t",
		Retry: &models.RetryPolicy{MaxRetries: 5},
	})

	if task.Retry.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", task.Retry.MaxRetries)
	}
	if task.Retry.BaseDelayMs != 1000 {
		t.Errorf("base delay = %d, want default 1000", task.Retry.BaseDelayMs)
	}
}

func TestEnqueue_ConfiguredRetryDefault(t *testing.T) {
	q := setupTestQueue(t, WithDefaultRetry(models.RetryPolicy{
		MaxRetries:  7,
		BaseDelayMs: 250,
	}))

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if task.Retry.MaxRetries != 7 {
		t.Errorf("max retries = %d, want configured 7", task.Retry.MaxRetries)
	}
	if task.Retry.BaseDelayMs != 250 {
		t.Errorf("base delay = %d, want configured 250", task.Retry.BaseDelayMs)
	}
	// The partial configured policy is normalized like a submitted one.
	if task.Retry.MaxDelayMs != 60000 {
		t.Errorf("max delay = %d, want default 60000", task.Retry.MaxDelayMs)
	}

	// A submission carrying its own policy is untouched by the default.
	task = mustEnqueue(t, q, models.TaskSubmission{
		Type:  "t",
		Retry: &models.RetryPolicy{MaxRetries: 1, BaseDelayMs: 50},
	})
	if task.Retry.MaxRetries != 1 {
		t.Errorf("max retries = %d, want submitted 1", task.Retry.MaxRetries)
	}
}

func TestEnqueueAll_Atomic(t *testing.T) {
	q := setupTestQueue(t)

	tasks, err := q.EnqueueAll([]models.TaskSubmission{
		{Type: "a"},
		{Type: "b"},
		{Type: "c"},
	})
	if err != nil {
		t.Fatalf("failed to enqueue batch: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}

	// A batch containing an invalid submission inserts nothing.
	_, err = q.EnqueueAll([]models.TaskSubmission{
		{Type: "d"},
		{Type: ""},
	})
	if err == nil {
		t.Fatal("expected error for invalid batch")
	}
	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Pending != 3 {
		t.Errorf("pending = %d after failed batch, want 3", stats.Pending)
	}
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q := setupTestQueue(t)

	task, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if task != nil {
		t.Errorf("expected nil task from empty queue, got %s", task.ID)
	}
}

func TestDequeue_PriorityOrder(t *testing.T) {
	q := setupTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	a := mustEnqueue(t, q, models.TaskSubmission{Type: "a", Priority: models.PriorityUrgent})
	clock = base.Add(time.Second)
	b := mustEnqueue(t, q, models.TaskSubmission{Type: "b", Priority: models.PriorityNormal})
	clock = base.Add(2 * time.Second)
	c := mustEnqueue(t, q, models.TaskSubmission{Type: "c", Priority: models.PriorityHigh})

	want := []string{a.ID, c.ID, b.ID}
	for i, id := range want {
		task, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue %d failed: %v", i, err)
		}
		if task == nil {
			t.Fatalf("dequeue %d returned nil", i)
		}
		if task.ID != id {
			t.Fatalf("dequeue %d = %s (%s), want %s", i, task.ID, task.Type, id)
		}
		if err := q.Assign(task.ID, "w1"); err != nil {
			t.Fatalf("failed to assign task: %v", err)
		}
	}
}

func TestDequeue_IgnoresCapabilities(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{
		Type:                 "gpu-job",
		RequiredCapabilities: []string{"gpu"},
	})

	got, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Error("plain dequeue should return tasks regardless of requirements")
	}
}

func TestDequeueForCapabilities(t *testing.T) {
	q := setupTestQueue(t)

	gpu := mustEnqueue(t, q, models.TaskSubmission{
		Type:                 "train",
		Priority:             models.PriorityUrgent,
		RequiredCapabilities: []string{"gpu", "cuda"},
	})
	plain := mustEnqueue(t, q, models.TaskSubmission{Type: "sum"})

	// A worker without the GPU skips past the urgent task.
	got, err := q.DequeueForCapabilities([]string{"cpu"})
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got == nil || got.ID != plain.ID {
		t.Errorf("cpu worker got %v, want plain task", got)
	}

	// A fully equipped worker gets the urgent task first.
	got, err = q.DequeueForCapabilities([]string{"gpu", "cuda", "cpu"})
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got == nil || got.ID != gpu.ID {
		t.Errorf("gpu worker got %v, want gpu task", got)
	}

	// No candidate at all.
	if err := q.Assign(gpu.ID, "w1"); err != nil {
		t.Fatalf("failed to assign: %v", err)
	}
	if err := q.Assign(plain.ID, "w1"); err != nil {
		t.Fatalf("failed to assign: %v", err)
	}
	got, err = q.DequeueForCapabilities(nil)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil with nothing eligible, got %s", got.ID)
	}
}

func TestAssign(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})

	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	got, err := q.Get(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != models.TaskStatusAssigned {
		t.Errorf("status = %s, want assigned", got.Status)
	}
	if got.AssignedWorker != "w1" {
		t.Errorf("assigned worker = %s, want w1", got.AssignedWorker)
	}
	if got.AssignedAt == nil {
		t.Error("expected assigned_at to be set")
	}
	if len(got.AttemptedWorkers) != 1 || got.AttemptedWorkers[0] != "w1" {
		t.Errorf("attempted workers = %v, want [w1]", got.AttemptedWorkers)
	}
}

func TestAssign_OnlyOnce(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})

	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("first assign failed: %v", err)
	}

	err := q.Assign(task.ID, "w2")
	if err == nil {
		t.Fatal("second assign should fail")
	}
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransitionError", err)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("TransitionError should match ErrInvalidTransition")
	}

	got, err := q.Get(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.AssignedWorker != "w1" {
		t.Errorf("assigned worker = %s, want w1", got.AssignedWorker)
	}
}

func TestAssign_NotFound(t *testing.T) {
	q := setupTestQueue(t)

	err := q.Assign("no-such-task", "w1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	got, _ := q.Get(task.ID)
	if got.StartedAt == nil {
		t.Error("expected started_at after running")
	}

	if err := q.UpdateStatus(task.ID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}
	got, _ = q.Get(task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at after completion")
	}
}

func TestUpdateStatus_RecordsError(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusFailed, "connection refused"); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}

	got, _ := q.Get(task.ID)
	if got.LastError != "connection refused" {
		t.Errorf("last error = %q, want connection refused", got.LastError)
	}
}

func TestUpdateStatus_RejectsInvalidTransitions(t *testing.T) {
	q := setupTestQueue(t)

	tests := []struct {
		name   string
		status models.TaskStatus
	}{
		{"pending task cannot complete", models.TaskStatusCompleted},
		{"pending task cannot fail", models.TaskStatusFailed},
		{"pending task cannot run", models.TaskStatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
			err := q.UpdateStatus(task.ID, tt.status, "")
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Errorf("error = %v, want TransitionError", err)
			}
		})
	}
}

func TestUpdateStatus_RejectsDedicatedStatuses(t *testing.T) {
	q := setupTestQueue(t)
	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})

	if err := q.UpdateStatus(task.ID, models.TaskStatusPending, ""); err == nil {
		t.Error("moving to pending should require Requeue")
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusAssigned, ""); err == nil {
		t.Error("moving to assigned should require Assign")
	}
}

func TestUpdateStatus_TerminalIsFinal(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}

	for _, status := range []models.TaskStatus{
		models.TaskStatusRunning,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	} {
		if err := q.UpdateStatus(task.ID, status, ""); err == nil {
			t.Errorf("completed -> %s should be rejected", status)
		}
	}
}

func TestRequeueAfter_GatesEligibility(t *testing.T) {
	q := setupTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusFailed, "boom"); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}

	gate, err := q.RequeueAfter(task.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if want := base.Add(2 * time.Second); !gate.Equal(want) {
		t.Errorf("gate = %v, want %v", gate, want)
	}

	// Still gated: invisible to dequeue.
	got, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got != nil {
		t.Errorf("task should be gated, dequeue returned %s", got.ID)
	}

	next, err := q.NextEligibleAt()
	if err != nil {
		t.Fatalf("next eligible failed: %v", err)
	}
	if next == nil || !next.Equal(gate) {
		t.Errorf("next eligible = %v, want %v", next, gate)
	}

	// Cleared assignment state while waiting.
	stored, _ := q.Get(task.ID)
	if stored.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if stored.AssignedWorker != "" {
		t.Errorf("assigned worker = %s, want empty", stored.AssignedWorker)
	}

	// Gate passes, task flows again.
	clock = base.Add(3 * time.Second)
	got, err = q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Error("task should be eligible after gate passes")
	}
}

func TestRequeue_ClearsGate(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	if err := q.Requeue(task.ID); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}

	got, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Error("requeued task should be immediately eligible")
	}
	if got.NotBefore != nil {
		t.Errorf("not_before = %v, want nil", got.NotBefore)
	}
}

func TestRequeue_TerminalRefused(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}

	err := q.Requeue(task.ID)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("requeue of completed task = %v, want TransitionError", err)
	}

	got, _ := q.Get(task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed to stay settled", got.Status)
	}

	// Cancellation is just as final.
	task = mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Cancel(task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := q.Requeue(task.ID); !errors.As(err, &te) {
		t.Errorf("requeue of cancelled task = %v, want TransitionError", err)
	}
}

func TestRetryExhaustion_DeadLettersOnce(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{
		Type:  "flaky",
		Retry: &models.RetryPolicy{MaxRetries: 3, BaseDelayMs: 10, MaxDelayMs: 100, BackoffFactor: 2},
	})

	// Three failed attempts exhaust the policy.
	for attempt := 1; attempt <= 3; attempt++ {
		if err := q.Assign(task.ID, "w1"); err != nil {
			t.Fatalf("assign attempt %d failed: %v", attempt, err)
		}
		if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
			t.Fatalf("run attempt %d failed: %v", attempt, err)
		}
		if err := q.UpdateStatus(task.ID, models.TaskStatusFailed, "boom"); err != nil {
			t.Fatalf("fail attempt %d failed: %v", attempt, err)
		}
		count, err := q.IncrementAttempt(task.ID)
		if err != nil {
			t.Fatalf("increment attempt %d failed: %v", attempt, err)
		}
		if count != attempt {
			t.Fatalf("attempt count = %d, want %d", count, attempt)
		}
		if attempt < 3 {
			if err := q.Requeue(task.ID); err != nil {
				t.Fatalf("requeue after attempt %d failed: %v", attempt, err)
			}
		}
	}

	entry, err := q.MoveToDeadLetter(task.ID, "boom", "")
	if err != nil {
		t.Fatalf("dead-letter failed: %v", err)
	}
	if entry.AttemptCount != 3 {
		t.Errorf("entry attempts = %d, want 3", entry.AttemptCount)
	}
	if entry.FinalStatus != models.TaskStatusFailed {
		t.Errorf("final status = %s, want failed", entry.FinalStatus)
	}

	// The task is finalized, not pending.
	got, _ := q.Get(task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("task status = %s, want failed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at stamp on dead-lettered task")
	}

	// Exactly one entry, and a second move is rejected.
	entries, err := q.DeadLetters(0)
	if err != nil {
		t.Fatalf("failed to list dead letters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d dead-letter entries, want 1", len(entries))
	}
	if _, err := q.MoveToDeadLetter(task.ID, "boom", ""); err == nil {
		t.Error("second dead-letter move should fail")
	}
}

func TestMoveToDeadLetter_RequiresFailure(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})

	_, err := q.MoveToDeadLetter(task.ID, "nope", "")
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Errorf("error = %v, want TransitionError", err)
	}
}

func TestMoveToDeadLetter_PreservesTaskError(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusFailed, "original error"); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}

	// Empty errText falls back to the task's recorded error.
	entry, err := q.MoveToDeadLetter(task.ID, "", "")
	if err != nil {
		t.Fatalf("dead-letter failed: %v", err)
	}
	if entry.FinalError != "original error" {
		t.Errorf("final error = %q, want original error", entry.FinalError)
	}
}

func TestRetryDeadLetter(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{
		Type:                 "transcode",
		Payload:              json.RawMessage(`{"file":"a.mp4"}`),
		Priority:             models.PriorityHigh,
		RequiredCapabilities: []string{"ffmpeg"},
		TimeoutMs:            5000,
	})
	if err := q.Assign(task.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(task.ID, models.TaskStatusFailed, "codec error"); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}
	if _, err := q.IncrementAttempt(task.ID); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	entry, err := q.MoveToDeadLetter(task.ID, "codec error", "")
	if err != nil {
		t.Fatalf("dead-letter failed: %v", err)
	}

	fresh, err := q.RetryDeadLetter(entry.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	if fresh.ID == task.ID {
		t.Error("resubmission should mint a new task ID")
	}
	if fresh.ParentTaskID != task.ID {
		t.Errorf("parent = %s, want %s", fresh.ParentTaskID, task.ID)
	}
	if fresh.Type != "transcode" {
		t.Errorf("type = %s, want transcode", fresh.Type)
	}
	if string(fresh.Payload) != `{"file":"a.mp4"}` {
		t.Errorf("payload = %s, want original", fresh.Payload)
	}
	if fresh.Priority != models.PriorityHigh {
		t.Errorf("priority = %s, want high", fresh.Priority)
	}
	if fresh.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", fresh.AttemptCount)
	}
	if fresh.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", fresh.Status)
	}

	// The entry is consumed.
	if _, err := q.DeadLetter(entry.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("entry lookup error = %v, want ErrNotFound", err)
	}
	count, err := q.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if count.DeadLetters != 0 {
		t.Errorf("dead letters = %d, want 0", count.DeadLetters)
	}
}

func TestRetryDeadLetter_NotFound(t *testing.T) {
	q := setupTestQueue(t)

	_, err := q.RetryDeadLetter(42)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Cancel(task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	got, _ := q.Get(task.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at stamp on cancellation")
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	q := setupTestQueue(t)

	task := mustEnqueue(t, q, models.TaskSubmission{Type: "t"})
	if err := q.Cancel(task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	err := q.Cancel(task.ID)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Errorf("error = %v, want TransitionError", err)
	}
}

func TestRecover(t *testing.T) {
	q := setupTestQueue(t)

	assigned := mustEnqueue(t, q, models.TaskSubmission{Type: "a"})
	running := mustEnqueue(t, q, models.TaskSubmission{Type: "b"})
	pending := mustEnqueue(t, q, models.TaskSubmission{Type: "c"})

	if err := q.Assign(assigned.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.Assign(running.ID, "w2"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(running.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}

	n, err := q.Recover()
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}

	for _, id := range []string{assigned.ID, running.ID, pending.ID} {
		got, err := q.Get(id)
		if err != nil {
			t.Fatalf("failed to get task: %v", err)
		}
		if got.Status != models.TaskStatusPending {
			t.Errorf("task %s status = %s, want pending", id, got.Status)
		}
	}

	// Attempt trail survives recovery for affinity decisions.
	got, _ := q.Get(assigned.ID)
	if len(got.AttemptedWorkers) != 1 {
		t.Errorf("attempted workers = %v, want trail preserved", got.AttemptedWorkers)
	}
}

func TestPurgeCompleted(t *testing.T) {
	q := setupTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	old := mustEnqueue(t, q, models.TaskSubmission{Type: "old"})
	if err := q.Assign(old.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(old.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(old.ID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}

	clock = base.Add(48 * time.Hour)
	recent := mustEnqueue(t, q, models.TaskSubmission{Type: "recent"})
	if err := q.Cancel(recent.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	n, err := q.PurgeCompleted(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	if _, err := q.Get(old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old task lookup error = %v, want ErrNotFound", err)
	}
	if _, err := q.Get(recent.ID); err != nil {
		t.Errorf("recent task should survive: %v", err)
	}

	// A second sweep is a no-op.
	n, err = q.PurgeCompleted(24 * time.Hour)
	if err != nil {
		t.Fatalf("second purge failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second purge = %d, want 0", n)
	}
}

func TestStats(t *testing.T) {
	q := setupTestQueue(t)

	p1 := mustEnqueue(t, q, models.TaskSubmission{Type: "a"})
	mustEnqueue(t, q, models.TaskSubmission{Type: "b"})
	done := mustEnqueue(t, q, models.TaskSubmission{Type: "c"})

	if err := q.Assign(p1.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.Assign(done.ID, "w1"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := q.UpdateStatus(done.ID, models.TaskStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := q.UpdateStatus(done.ID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("failed to mark completed: %v", err)
	}

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
	if stats.Assigned != 1 {
		t.Errorf("assigned = %d, want 1", stats.Assigned)
	}
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
	if stats.Total() != 3 {
		t.Errorf("total = %d, want 3", stats.Total())
	}
}

func TestExpired(t *testing.T) {
	q := setupTestQueue(t)

	base := time.Now()
	clock := base
	q.now = func() time.Time { return clock }

	short := mustEnqueue(t, q, models.TaskSubmission{Type: "short", TimeoutMs: 1000})
	long := mustEnqueue(t, q, models.TaskSubmission{Type: "long", TimeoutMs: 60000})

	for _, id := range []string{short.ID, long.ID} {
		if err := q.Assign(id, "w1"); err != nil {
			t.Fatalf("assign failed: %v", err)
		}
		if err := q.UpdateStatus(id, models.TaskStatusRunning, ""); err != nil {
			t.Fatalf("failed to mark running: %v", err)
		}
	}

	clock = base.Add(5 * time.Second)
	expired, err := q.Expired()
	if err != nil {
		t.Fatalf("expired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("got %d expired tasks, want 1", len(expired))
	}
	if expired[0].ID != short.ID {
		t.Errorf("expired task = %s, want %s", expired[0].ID, short.ID)
	}
}
