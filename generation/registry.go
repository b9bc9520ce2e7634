package generation

import (
	"sync"
	"time"

	"github.com/BaSui01/digigami/threed"
)

// Entry describes one in-flight generation.
type Entry struct {
	TaskID    string         `json:"task_id"`
	Backend   threed.Backend `json:"backend"`
	StartedAt time.Time      `json:"started_at"`
	Multiview bool           `json:"multiview"`
}

// Registry tracks tasks whose polling loop is running in this process.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Add inserts or replaces an entry.
func (r *Registry) Add(e Entry) {
	r.mu.Lock()
	r.entries[e.TaskID] = e
	r.mu.Unlock()
}

// Remove deletes an entry; removing an unknown id is a no-op.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	delete(r.entries, taskID)
	r.mu.Unlock()
}

// Get returns one entry.
func (r *Registry) Get(taskID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskID]
	return e, ok
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy that later mutations do not affect.
func (r *Registry) Snapshot() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}
