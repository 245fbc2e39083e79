package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the job name, unique within a queue.
	Name string

	// Handler processes the payload and returns a short result string
	// that is stored on the job and reported in the completed event.
	Handler func(ctx context.Context, payload T) (string, error)
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) (string, error)) *Definition[T] {
	return &Definition[T]{
		Name:    name,
		Handler: handler,
	}
}
