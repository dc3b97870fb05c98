// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool implements the ReusablePool from SPEC_FULL.md: a
// thread-safe object pool whose items go back onto its free list when
// their Reusable is closed. It backs the task stacks, library groups, and
// preemption signal slots described in spec.md §4.2.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
)

// ErrExhausted is returned by TryFrom when the pool's free list is empty
// and the factory also declines to produce a new item (the "Err(None)"
// case spec.md describes — a tunable is set too low).
var ErrExhausted = errors.New("pool: exhausted")

// Factory produces a new T, or (nil-ish zero value, false) if the pool has
// hit its configured limit.
type Factory[T any] func() (T, bool)

// Pool is a mutex-protected free list plus a factory, generic over the
// item type. The zero value is not usable; construct with New.
type Pool[T any] struct {
	mu      sync.Mutex
	free    []T
	factory Factory[T]
}

// New constructs a Pool whose factory is fn.
func New[T any](fn Factory[T]) *Pool[T] {
	return &Pool[T]{factory: fn}
}

// Reusable wraps a value checked out of a Pool. Its Close method returns
// the value to the pool's free list rather than discarding it. Unlike the
// reference implementation's Drop-based auto-recycle, Go has no
// destructors: callers MUST call Close (typically via defer) when they
// are done with the item. This is the one place this port asks more of
// its caller than the source language did, and it is noted in DESIGN.md.
type Reusable[T any] struct {
	pool  *Pool[T]
	value T
	freed bool
}

// Value returns the pooled item.
func (r *Reusable[T]) Value() T {
	return r.value
}

// Close pushes the item back onto the pool's free list. Calling it more
// than once is a no-op.
func (r *Reusable[T]) Close() {
	if r.freed {
		return
	}
	r.freed = true
	r.pool.mu.Lock()
	r.pool.free = append(r.pool.free, r.value)
	r.pool.mu.Unlock()
}

// TryFrom pops an item from p's free list, or invokes the factory. It
// returns ErrExhausted if the free list is empty and the factory declines.
func TryFrom[T any](p *Pool[T]) (*Reusable[T], error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return &Reusable[T]{pool: p, value: v}, nil
	}
	p.mu.Unlock()

	v, ok := p.factory()
	if !ok {
		return nil, ErrExhausted
	}
	return &Reusable[T]{pool: p, value: v}, nil
}

// Prealloc populates p's free list with n items by checking out n
// Reusables and releasing them all once every checkout has finished, so
// steady-state callers never pay the factory's allocation cost. It
// returns the number of items it checked out. A factory that panics
// (e.g. a transient resource-limit failure) does not poison the pool for
// later callers: the panic is recovered and that item is skipped. A
// factory that declines (ErrExhausted) is retried with exponential
// backoff until the backoff gives up or ctx is done, and that item is
// then skipped.
func Prealloc[T any](ctx context.Context, p *Pool[T], n int) int {
	var (
		mu      sync.Mutex
		held    []*Reusable[T]
		eg, gCx = errgroup.WithContext(ctx)
	)
	for i := 0; i < n; i++ {
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = nil // a factory panic just means one fewer preallocated item
				}
			}()
			var item *Reusable[T]
			b := backoff.WithContext(backoff.NewExponentialBackOff(), gCx)
			rerr := backoff.Retry(func() error {
				got, terr := TryFrom(p)
				if terr != nil {
					return terr
				}
				item = got
				return nil
			}, b)
			if rerr != nil || item == nil {
				return nil
			}
			mu.Lock()
			held = append(held, item)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	for _, item := range held {
		item.Close()
	}
	return len(held)
}
