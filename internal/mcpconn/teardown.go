package mcpconn

import (
	"errors"
	"fmt"
	"sync"
)

// Teardown is the ordered set of resources acquired while establishing one
// connection. Close releases them in reverse order of Push.
type Teardown struct {
	mu     sync.Mutex
	steps  []teardownStep
	closed bool
}

type teardownStep struct {
	name string
	fn   func() error
}

// Push records a resource to release. Pushing onto a closed Teardown runs fn
// immediately so late acquisitions are not leaked.
func (t *Teardown) Push(name string, fn func() error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if err := fn(); err != nil {
			return fmt.Errorf("closing %s: %w", name, err)
		}
		return nil
	}
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
	t.mu.Unlock()
	return nil
}

// Len returns the number of resources still held.
func (t *Teardown) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// Close releases every resource, last acquired first. A failing step does
// not stop the remaining ones. Close is idempotent.
func (t *Teardown) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	steps := t.steps
	t.steps = nil
	t.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", steps[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// once wraps fn so that repeated calls run it a single time.
func once(fn func() error) func() error {
	var (
		o   sync.Once
		err error
	)
	return func() error {
		o.Do(func() { err = fn() })
		return err
	}
}
