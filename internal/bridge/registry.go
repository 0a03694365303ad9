package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the process-wide mapping from call identifier to its running
// session coordinator. All operations are linearizable with respect to each
// other.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, sessions: make(map[string]*Coordinator)}
}

// Register adds a coordinator under callID. A call identifier already
// present is an error; the existing session keeps running.
func (r *Registry) Register(callID string, c *Coordinator) error {
	if callID == "" {
		return fmt.Errorf("bridge: register with empty call id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[callID]; exists {
		return fmt.Errorf("bridge: call %s already registered", callID)
	}
	r.sessions[callID] = c
	r.log.Info("session registered", "call_sid", callID, "active", len(r.sessions))
	return nil
}

// Lookup returns the coordinator registered under callID.
func (r *Registry) Lookup(callID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[callID]
	return c, ok
}

// Unregister removes callID. Removing an absent id is a no-op.
func (r *Registry) Unregister(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; !ok {
		return
	}
	delete(r.sessions, callID)
	r.log.Info("session unregistered", "call_sid", callID, "active", len(r.sessions))
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ShutdownAll stops every registered session and waits for each to finish or
// for ctx to expire. Used on process shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		coords = append(coords, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Shutdown(ctx)
		}(c)
	}
	wg.Wait()
}
