// Package registry tracks worker identity, declared capabilities, and
// availability. Workers live for the process lifetime only; durable task
// state belongs to the store.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// ErrWorkerNotFound is returned when an operation references a worker id
// that is not registered.
var ErrWorkerNotFound = errors.New("worker not found")

// Registry provides thread-safe storage and retrieval of worker records.
// Availability is derived from each worker's active task count.
type Registry struct {
	// workers maps worker IDs to worker records.
	workers map[string]*models.Worker
	// mu protects all fields.
	mu sync.RWMutex
	// now is the clock, overridable in tests.
	now func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		workers: make(map[string]*models.Worker),
		now:     time.Now,
	}
}

// Register adds a worker and returns its record with a freshly generated id.
func (r *Registry) Register(desc models.WorkerDescriptor) (*models.Worker, error) {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return nil, errors.New("worker name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := newWorkerID()
	for _, taken := r.workers[id]; taken; _, taken = r.workers[id] {
		id = newWorkerID()
	}

	now := r.now()
	w := &models.Worker{
		ID:           id,
		Name:         name,
		Capabilities: append([]string(nil), desc.Capabilities...),
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	r.workers[id] = w
	return snapshot(w), nil
}

// Deregister removes a worker and returns its final record. The caller is
// responsible for requeueing any tasks still assigned to it.
func (r *Registry) Deregister(id string) (*models.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	delete(r.workers, id)
	return snapshot(w), nil
}

// Get retrieves a worker by id.
func (r *Registry) Get(id string) (*models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return snapshot(w), nil
}

// List returns all registered workers, oldest registration first.
func (r *Registry) List() []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]*models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, snapshot(w))
	}
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].RegisteredAt.Equal(workers[j].RegisteredAt) {
			return workers[i].RegisteredAt.Before(workers[j].RegisteredAt)
		}
		return workers[i].ID < workers[j].ID
	})
	return workers
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Counts returns how many workers are idle and how many are busy.
func (r *Registry) Counts() (idle, busy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if w.Idle() {
			idle++
		} else {
			busy++
		}
	}
	return idle, busy
}

// Acquire atomically picks an idle worker whose capabilities cover the
// required set, marks it busy, and returns its record. When several workers
// qualify the affinity hint wins, then the longest-registered worker.
// Returns nil when no idle worker matches.
func (r *Registry) Acquire(required []string, affinity string) *models.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pick *models.Worker
	for _, w := range r.workers {
		if !w.Idle() || !w.CanRun(required) {
			continue
		}
		if affinity != "" && (w.ID == affinity || w.Name == affinity) {
			pick = w
			break
		}
		if pick == nil || earlier(w, pick) {
			pick = w
		}
	}
	if pick == nil {
		return nil
	}

	pick.ActiveTasks++
	pick.LastSeenAt = r.now()
	return snapshot(pick)
}

// Release marks a worker's active task as finished, returning it to the idle
// pool. Releasing a worker that deregistered mid-flight reports
// ErrWorkerNotFound; callers that tolerate that race should check for it.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	if w.ActiveTasks > 0 {
		w.ActiveTasks--
	}
	w.LastSeenAt = r.now()
	return nil
}

// Touch records a liveness signal from a worker.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}
	w.LastSeenAt = r.now()
	return nil
}

// earlier reports whether a registered before b, with ID as the tie-break.
func earlier(a, b *models.Worker) bool {
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.ID < b.ID
}

// snapshot copies a worker record so callers never share the registry's
// mutable state.
func snapshot(w *models.Worker) *models.Worker {
	c := *w
	return &c
}

// newWorkerID generates a short worker id. Full UUIDs are overkill for a
// process-local registry and unreadable in logs.
func newWorkerID() string {
	return uuid.New().String()[:8]
}
