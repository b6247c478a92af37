// Package rendezvous matches one-shot responses to the callers waiting for
// them. A caller registers a waiter under a key, sends its request, and
// blocks in Recv; whoever observes the response calls Fulfill with the same
// key. Responses for keys nobody waits on are dropped.
package rendezvous

import (
	"context"
	"errors"
	"sync"
)

// ErrAwaitExists indicates there is already a waiter for the key.
var ErrAwaitExists = errors.New("await already registered")

type result[T any] struct {
	val T
	err error
}

// Registry holds the outstanding waiters, at most one per key.
type Registry[T any] struct {
	mu      sync.Mutex
	pending map[string]*Waiter[T]
}

// Waiter is the receiving end of one registration.
type Waiter[T any] struct {
	key  string
	reg  *Registry[T]
	ch   chan result[T]
	once sync.Once
}

// New constructs an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{pending: make(map[string]*Waiter[T])}
}

// Begin registers a waiter for key. It must be called before the request is
// sent so that a fast response cannot arrive unobserved.
func (r *Registry[T]) Begin(key string) (*Waiter[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[key]; exists {
		return nil, ErrAwaitExists
	}
	w := &Waiter[T]{key: key, reg: r, ch: make(chan result[T], 1)}
	r.pending[key] = w
	return w, nil
}

// Fulfill hands v to the waiter registered under key and removes it. It
// reports false when no such waiter exists.
func (r *Registry[T]) Fulfill(key string, v T) bool {
	return r.resolve(key, result[T]{val: v})
}

// Fail resolves the waiter registered under key with err.
func (r *Registry[T]) Fail(key string, err error) bool {
	return r.resolve(key, result[T]{err: err})
}

func (r *Registry[T]) resolve(key string, res result[T]) bool {
	r.mu.Lock()
	w, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if ok {
		// Buffered and removed from the map under lock: this is the only send.
		w.ch <- res
	}
	return ok
}

// Len reports the number of outstanding waiters.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drain fails every outstanding waiter with err and reports how many there
// were. Waiters registered afterwards are unaffected.
func (r *Registry[T]) Drain(err error) int {
	r.mu.Lock()
	waiters := r.pending
	r.pending = make(map[string]*Waiter[T])
	r.mu.Unlock()

	for _, w := range waiters {
		w.ch <- result[T]{err: err}
	}
	return len(waiters)
}

// Key returns the key the waiter was registered under.
func (w *Waiter[T]) Key() string { return w.key }

// Recv blocks until the waiter is resolved or ctx ends. The registration is
// released before Recv returns on every path.
func (w *Waiter[T]) Recv(ctx context.Context) (T, error) {
	defer w.Cancel()

	select {
	case res := <-w.ch:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel releases the registration. It is safe to call more than once and
// after the waiter was resolved.
func (w *Waiter[T]) Cancel() {
	w.once.Do(func() {
		w.reg.mu.Lock()
		if cur, ok := w.reg.pending[w.key]; ok && cur == w {
			delete(w.reg.pending, w.key)
		}
		w.reg.mu.Unlock()
	})
}
