package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind says whether a worker executes workflows or activities.
type Kind string

// Worker kinds.
const (
	KindWorkflow Kind = "workflow"
	KindActivity Kind = "activity"
)

// ParseKind converts s to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindWorkflow, KindActivity:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown worker kind %q", s)
	}
}

// ErrDuplicate is returned by Add when the worker id or its tuple is already registered.
var ErrDuplicate = errors.New("worker already registered")

// Key identifies the tuple a registration is unique over.
type Key struct {
	Kind     Kind
	Domain   string
	TaskList string
	TypeName string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s/%s/%s", k.Kind, k.Domain, k.TaskList, k.TypeName)
}

// Registration is a worker the engine accepted. It is immutable once created.
type Registration struct {
	ID        int64     `json:"worker_id"`
	Kind      Kind      `json:"kind"`
	Domain    string    `json:"domain"`
	TaskList  string    `json:"task_list"`
	TypeName  string    `json:"type_name"`
	Owner     string    `json:"owner"`
	StartedAt time.Time `json:"started_at"`
}

// Key returns the registration's uniqueness tuple.
func (r *Registration) Key() Key {
	return Key{Kind: r.Kind, Domain: r.Domain, TaskList: r.TaskList, TypeName: r.TypeName}
}

// IsWorkflow reports whether the registration is a workflow worker.
func (r *Registration) IsWorkflow() bool {
	return r.Kind == KindWorkflow
}

// Registry maps worker ids to registrations. All access goes through its
// mutex; it never performs I/O, so lookups never wait on a round trip.
type Registry struct {
	mu      sync.RWMutex
	workers map[int64]*Registration
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[int64]*Registration),
	}
}

// Find returns the registration for key, if any.
//
// This is a linear scan; a process registers a handful of workers, usually
// once at startup.
func (r *Registry) Find(key Key) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if w.Key() == key {
			return w, true
		}
	}
	return nil, false
}

// Get returns the registration with the given worker id.
func (r *Registry) Get(id int64) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	return w, ok
}

// Add inserts reg. It fails with ErrDuplicate when the id or the tuple is
// already present.
func (r *Registry) Add(reg *Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[reg.ID]; ok {
		return fmt.Errorf("worker %d: %w", reg.ID, ErrDuplicate)
	}
	key := reg.Key()
	for _, w := range r.workers {
		if w.Key() == key {
			return fmt.Errorf("%s: %w", key, ErrDuplicate)
		}
	}
	r.workers[reg.ID] = reg
	return nil
}

// Remove deletes the registration with the given id and returns it. The
// boolean is false when nothing was registered under id.
func (r *Registry) Remove(id int64) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	return w, ok
}

// Drain removes every registration and returns them sorted by id.
func (r *Registry) Drain() []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := sortedByID(r.workers)
	r.workers = make(map[int64]*Registration)
	return out
}

// List returns a snapshot of all registrations sorted by worker id.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedByID(r.workers)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.workers)
}

func sortedByID(m map[int64]*Registration) []*Registration {
	out := make([]*Registration, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
