package adhoc

import (
	"slices"
	"strings"
	"sync"
	"time"
)

type Worker struct {
	RegisterRequest
	LastSeen time.Time `json:"lastSeen"`
}

// Registry remembers the last heartbeat of every worker.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker), now: time.Now}
}

func (r *Registry) Register(req RegisterRequest) error {
	if req.Id == "" {
		return ErrMissingID
	}
	r.mu.Lock()
	r.workers[req.Id] = Worker{RegisterRequest: req, LastSeen: r.now()}
	r.mu.Unlock()
	return nil
}

// Alive lists workers seen within ttl, ordered by id.
func (r *Registry) Alive(ttl time.Duration) []Worker {
	cutoff := r.now().Add(-ttl)
	r.mu.RLock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if !w.LastSeen.Before(cutoff) {
			out = append(out, w)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Worker) int { return strings.Compare(a.Id, b.Id) })
	return out
}

// Prune forgets workers not seen within ttl.
func (r *Registry) Prune(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.workers {
		if w.LastSeen.Before(cutoff) {
			delete(r.workers, id)
			n++
		}
	}
	return n
}
