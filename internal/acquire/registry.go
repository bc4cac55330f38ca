// ABOUTME: Tracks the live acquisition loop per agent identifier.
// ABOUTME: Starting a loop for an identifier cancels the previous one first.

package acquire

import (
	"context"
	"sync"
)

// Registry holds at most one live Loop per identifier. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.Mutex
	loops map[string]*Loop
	wg    sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{loops: make(map[string]*Loop)}
}

// Start cancels any loop registered under id, then registers and starts l.
// The entry is removed once l finishes.
func (r *Registry) Start(ctx context.Context, id string, l *Loop) error {
	r.mu.Lock()
	prev := r.loops[id]
	r.loops[id] = l
	r.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	if err := l.Start(ctx); err != nil {
		r.remove(id, l)
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-l.Done()
		r.remove(id, l)
	}()
	return nil
}

// Get returns the live loop for id.
func (r *Registry) Get(id string) (*Loop, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loops[id]
	return l, ok
}

// Cancel stops and forgets the loop for id. It reports whether one existed.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	l, ok := r.loops[id]
	delete(r.loops, id)
	r.mu.Unlock()

	if ok {
		l.Cancel()
	}
	return ok
}

// CancelAll stops every loop and waits for their goroutines to exit.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	loops := make([]*Loop, 0, len(r.loops))
	for id, l := range r.loops {
		loops = append(loops, l)
		delete(r.loops, id)
	}
	r.mu.Unlock()

	for _, l := range loops {
		l.Cancel()
	}
	r.wg.Wait()
}

// Len returns the number of live loops.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// remove deletes id only if it still maps to l.
func (r *Registry) remove(id string, l *Loop) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loops[id] == l {
		delete(r.loops, id)
	}
}
