package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/courier"
)

// HandlerFunc is a type-erased job handler. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over JSON
// unmarshal and the typed handler.
type HandlerFunc func(ctx context.Context, j *Job) (string, error)

// Router maps job names to handlers for a single queue. Routes are added at
// startup; after Freeze the table is read-only.
type Router struct {
	queue string

	mu       sync.RWMutex
	frozen   bool
	handlers map[string]HandlerFunc
}

// NewRouter creates an empty router for the named queue.
func NewRouter(queue string) *Router {
	return &Router{
		queue:    queue,
		handlers: make(map[string]HandlerFunc),
	}
}

// Queue returns the queue the router dispatches for.
func (r *Router) Queue() string { return r.queue }

// Handle adds a raw handler under name.
func (r *Router) Handle(name string, h HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: %s/%s", courier.ErrRouterFrozen, r.queue, name)
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s/%s", courier.ErrDuplicateRoute, r.queue, name)
	}
	r.handlers[name] = h
	return nil
}

// Register adds a typed job definition to the router. The generic handler
// is wrapped in a closure that JSON-unmarshals the payload into T before
// calling the typed handler. A payload that does not decode is an
// unrecoverable failure, since retrying cannot fix it.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T any](r *Router, def *Definition[T]) error {
	return r.Handle(def.Name, func(ctx context.Context, j *Job) (string, error) {
		var t T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &t); err != nil {
				return "", Unrecoverable(fmt.Errorf("unmarshal payload for job %q: %w", def.Name, err))
			}
		}
		return def.Handler(ctx, t)
	})
}

// MustRegister is like Register but panics on error. Intended for static
// route tables built at init time.
func MustRegister[T any](r *Router, def *Definition[T]) {
	if err := Register(r, def); err != nil {
		panic(err)
	}
}

// Freeze makes the router read-only.
func (r *Router) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Router) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Route returns the handler for name. An unknown name yields an error
// wrapping courier.ErrUnknownJob that is already marked unrecoverable.
func (r *Router) Route(name string) (HandlerFunc, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Unrecoverable(fmt.Errorf("%w: %s/%s", courier.ErrUnknownJob, r.queue, name))
	}
	return h, nil
}

// Has reports whether name is routable.
func (r *Router) Has(name string) bool {
	_, err := r.Route(name)
	return err == nil
}

// Names returns all routed job names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
