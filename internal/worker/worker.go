package worker

import "context"

// Worker is the long-running supervised task. Run blocks until the worker
// finishes (nil), fails (non-nil error), or observes ctx cancellation.
// Cancellation is cooperative: a worker that ignores ctx keeps running until
// it returns on its own.
type Worker interface {
	Run(ctx context.Context) error
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }
