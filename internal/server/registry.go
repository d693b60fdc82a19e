package server

import (
	"sync"

	"github.com/openlis/astmlink/internal/controller"
)

// Registry is the name-keyed index of live controllers used to route
// outbound orders. Controllers insert themselves on accept and remove
// themselves from their own teardown, so entries never outlive the
// connection by more than a callback.
//
// Thread safety: all methods take the internal lock; reads vastly outnumber
// writes, hence the RWMutex.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string][]*controller.Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: map[string][]*controller.Controller{}}
}

// Add inserts a controller under its instrument name.
func (r *Registry) Add(c *controller.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.InstrumentName()
	r.controllers[name] = append(r.controllers[name], c)
}

// Remove deletes a controller. Idempotent.
func (r *Registry) Remove(c *controller.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.InstrumentName()
	list := r.controllers[name]
	for i, existing := range list {
		if existing == c {
			r.controllers[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.controllers[name]) == 0 {
		delete(r.controllers, name)
	}
}

// Get returns the first live controller for the instrument, or nil.
func (r *Registry) Get(instrumentName string) *controller.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.controllers[instrumentName] {
		if c.IsConnected() {
			return c
		}
	}
	return nil
}

// List returns every live controller for the instrument.
func (r *Registry) List(instrumentName string) []*controller.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*controller.Controller
	for _, c := range r.controllers[instrumentName] {
		if c.IsConnected() {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of live controllers for the instrument.
func (r *Registry) Count(instrumentName string) int {
	return len(r.List(instrumentName))
}

// All returns every live controller keyed by instrument name.
func (r *Registry) All() map[string][]*controller.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*controller.Controller, len(r.controllers))
	for name, list := range r.controllers {
		for _, c := range list {
			if c.IsConnected() {
				out[name] = append(out[name], c)
			}
		}
	}
	return out
}
