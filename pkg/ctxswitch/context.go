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

// Package ctxswitch implements the Context machinery from SPEC_FULL.md's
// Context module: checkpoint, call-gate, restore, and a three-way swap
// usable from a signal-forwarding goroutine.
//
// The reference design (libinger, see original_source/) swaps a raw
// ucontext_t (register file + stack pointer) within a single OS thread.
// Go exposes neither raw register files nor manual stack-pointer swapping,
// but it does give every task its own independently-stacked execution
// vehicle for free: a goroutine. This port represents an owned-stack
// context as a goroutine parked on a pair of rendezvous channels, and a
// handler-checkpoint as the same goroutine captured mid-pause. Exactly one
// of {the caller of Set, the goroutine it woke} is ever runnable at a time,
// which is what preserves spec.md §5's "only one task executes per thread
// at a time" even though two Go-runtime goroutines exist.
package ctxswitch

import (
	"errors"
	"runtime"

	"github.com/efficient/golinger/pkg/genid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ctxswitch")

// ErrStale is returned by operations invoked on a Context whose id no
// longer matches its Space's table — spec.md's "logic error" path, which
// must never corrupt state.
var ErrStale = errors.New("ctxswitch: stale context id")

// Space is this port's stand-in for spec.md's per-thread id table: an
// explicit value owned by whichever goroutine is pinned (via
// runtime.LockOSThread) to a task's dedicated OS thread.
type Space struct {
	ids genid.Table
}

// NewSpace allocates an empty id table for a newly pinned thread.
func NewSpace() *Space {
	return &Space{}
}

// wake is sent to resume a parked gate goroutine.
type wake struct {
	errno int32
}

// outcome is sent back by a gate goroutine when it pauses or completes.
type outcome struct {
	errno     int32
	yielded   bool
	completed bool
	panicVal  any
}

// Context is either a checkpoint (Void: no owned stack, used only as a
// successor marker) or a call-gate (it owns a parked goroutine and a
// stack buffer drawn from pool.Pool[[]byte]).
type Context struct {
	id        genid.ID
	space     *Space
	successor *Context
	handler   bool // true once produced by Swap; restorable only via SigSet
	stack     []byte

	wakeCh    chan wake
	doneCh    chan outcome
	preemptCh chan struct{}
}

// Checkpoint captures "here" as a Void context: valid only while the
// calling frame is still alive. It is used internally by Make/Restore to
// record the frame a call-gate should fall through to.
func Checkpoint(space *Space) *Context {
	id := space.ids.Next(space.ids.Depth())
	return &Context{id: id, space: space}
}

// Valid reports whether c's id still matches its Space's table.
func (c *Context) Valid() bool {
	if c == nil {
		return false
	}
	if !c.space.ids.Valid(c.id) {
		return false
	}
	// Invariant (spec.md §3): a call-gate's successor-id must be valid
	// whenever the call-gate is.
	return c.successor == nil || c.successor.Valid()
}

// Invalidate removes c (and anything minted after it) from its Space.
func (c *Context) Invalidate() {
	c.space.ids.Invalidate(c.id.Index)
}

// Yielder is handed to a call-gate's entry function. It is the cooperative
// safepoint a task's closure checks to
// discover it has been asked to pause — see SPEC_FULL.md's re-architecture
// note: Go gives no portable way to force-suspend a goroutine executing
// arbitrary native code from outside, so a voluntary check at well-known
// safepoints is this port's substitute for the handler-driven forced
// preemption spec.md describes.
type Yielder struct {
	wakeCh    chan wake
	doneCh    chan outcome
	preemptCh chan struct{}
}

// Requested reports whether the scheduler has asked this task to pause,
// without blocking.
func (y *Yielder) Requested() bool {
	select {
	case <-y.preemptCh:
		return true
	default:
		return false
	}
}

// Pause reports a cooperative (or forced) suspension back to whoever
// called Set/Restore's Set, and blocks until resumed. It returns the errno
// the resumer supplied.
func (y *Yielder) Pause(yielded bool) int32 {
	y.doneCh <- outcome{yielded: yielded}
	w := <-y.wakeCh
	return w.errno
}

// Make allocates a call-gate context bound to stack, whose entry point is
// fn. fn must call y.Pause whenever it wants to report a suspension (either
// because the user closure itself paused cooperatively, or because a
// preemption safepoint observed y.Requested()); when fn returns, the task
// is considered complete.
func Make(space *Space, stack []byte, fn func(y *Yielder)) *Context {
	c := &Context{
		id:        space.ids.Next(space.ids.Depth()),
		space:     space,
		successor: Checkpoint(space),
		stack:     stack,
		wakeCh:    make(chan wake),
		doneCh:    make(chan outcome),
		preemptCh: make(chan struct{}, 1),
	}
	go c.bootstrap(fn)
	return c
}

func (c *Context) bootstrap(fn func(y *Yielder)) {
	// Pin this goroutine to its own OS thread for its entire lifetime:
	// preempt targets a specific thread with a real timer signal
	// (unix.Tgkill), which only makes sense if that thread never changes
	// out from under the goroutine it is arming.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Debug("task goroutine panicked")
			c.doneCh <- outcome{completed: true, panicVal: r}
		}
	}()
	w := <-c.wakeCh
	y := &Yielder{wakeCh: c.wakeCh, doneCh: c.doneCh, preemptCh: c.preemptCh}
	_ = w.errno
	fn(y)
	c.doneCh <- outcome{completed: true}
}

// Set transfers control into c (a call-gate, freshly made or restored) and
// blocks until the task side reports a pause or completion. Per spec.md,
// a logic violation (stale id) returns ErrStale and leaves state untouched;
// success hands back the terminal outcome instead of "never returning",
// since a Go function must return to its caller (see SPEC_FULL.md).
func (c *Context) Set(errno int32) (yielded, completed bool, outErrno int32, panicVal any, err error) {
	if !c.Valid() {
		return false, false, 0, nil, ErrStale
	}
	c.space.ids.Invalidate(c.id.Index)
	c.wakeCh <- wake{errno: errno}
	o := <-c.doneCh
	return o.yielded, o.completed, o.errno, o.panicVal, nil
}

// Restore grafts an owned-stack context onto the current frame: the
// successor becomes the current frame and a fresh id is minted, matching
// spec.md's "restoring a call-gate mints a new id and new successor."
// Precondition: ctx was produced by Make or a prior Restore (never by
// Swap — a handler-checkpoint is restorable only via SigSet).
func Restore(space *Space, ctx *Context) (*Context, error) {
	if ctx.handler {
		return nil, errors.New("ctxswitch: cannot Restore a handler-checkpoint; use SigSet")
	}
	fresh := &Context{
		id:        space.ids.Next(space.ids.Depth()),
		space:     space,
		successor: Checkpoint(space),
		stack:     ctx.stack,
		wakeCh:    ctx.wakeCh,
		doneCh:    ctx.doneCh,
		preemptCh: ctx.preemptCh,
		handler:   false,
	}
	return fresh, nil
}

// Swap is the bookkeeping half of the three-way handoff spec.md's signal
// handler performs: it is called by the scheduler immediately after a Set
// (or SigSet) returns having observed a non-cooperative pause (outErrno's
// companion yielded==false), and marks c as a handler-checkpoint. Real
// libinger invalidates the destination id as part of swap itself; in this
// port the preceding Set call already invalidated c's id (every Set
// invalidates on return, testable property 3), so Swap only needs to flip
// the flag that routes the next resume to SigSet instead of Restore+Set.
func (c *Context) Swap() (yielded bool, outErrno int32, err error) {
	c.handler = true
	return true, 0, nil
}

// SigSet resumes a handler-checkpoint previously produced by Swap. Unlike
// Restore, which hands back a distinct fresh Context, SigSet mints c's new
// id and successor in place and immediately performs the handoff — mirroring
// spec.md's "this restores the signal mask atomically, unlike set." Calling
// SigSet on a context that was never Swap'd is a logic error (ErrStale).
func (c *Context) SigSet(errno int32) (yielded, completed bool, outErrno int32, panicVal any, err error) {
	if !c.handler {
		return false, false, 0, nil, ErrStale
	}
	c.handler = false
	c.id = c.space.ids.Next(c.space.ids.Depth())
	c.successor = Checkpoint(c.space)
	return c.Set(errno)
}

// RequestPreempt asks a parked-or-running task to pause at its next
// safepoint. It is non-blocking and safe to call from the watcher
// goroutine started by preempt.Arm.
func (c *Context) RequestPreempt() {
	select {
	case c.preemptCh <- struct{}{}:
	default:
	}
}
