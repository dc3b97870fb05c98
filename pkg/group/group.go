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

// Package group implements the library-group external collaborator
// spec.md §6 scopes out of the core: original_source/src/gotcha.rs and
// src/groups.rs use libgotcha's dynamic-linker namespaces (dlmopen) to
// give each task its own shadow copy of every shared library's globals.
// A statically linked Go binary has no dynamic linker to consult, so this
// package gives Group a concrete, self-contained body: a pooled handle
// carrying its own errno cell and thread-control block, a process-wide
// symbol registry standing in for dlsym, and the thread-affinity
// bookkeeping original_source's group_thread_set!/group_thread_get!
// macros performed through thread-locals.
package group

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/efficient/golinger/pkg/errno"
	"github.com/efficient/golinger/pkg/tcb"
)

var log = logrus.WithField("component", "group")

var nextID int64

// Group is an isolated record of the state original_source associates
// with one shadow library namespace: an errno cell and a thread-control
// block, plus a generation counter bumped on every Renew.
type Group struct {
	id int64

	mu         sync.Mutex
	errno      *errno.Cell
	tcb        *tcb.Block
	generation uint64
}

// New allocates a fresh, non-shared Group with a newly seeded errno cell
// and thread-control block (original_source/src/groups.rs's assign_group,
// minus the dynamic-linker namespace it would also create).
func New() (*Group, error) {
	return &Group{
		id:    atomic.AddInt64(&nextID, 1),
		errno: errno.New(),
		tcb:   tcb.New(),
	}, nil
}

var (
	sharedOnce  sync.Once
	sharedGroup *Group
)

// Shared returns the distinguished group every OS thread runs under when
// it is not executing a task — the host process's own library state, the
// Go analogue of libgotcha's group 0 (original_source/src/gotcha.rs).
func Shared() *Group {
	sharedOnce.Do(func() {
		sharedGroup = &Group{id: 0, errno: errno.New(), tcb: tcb.New()}
	})
	return sharedGroup
}

// IsShared reports whether g is the distinguished shared group.
func (g *Group) IsShared() bool {
	return g == Shared()
}

// ID returns a stable, process-unique identifier useful for logging.
func (g *Group) ID() int64 {
	return g.id
}

// Errno returns the errno cell this group's tasks observe.
func (g *Group) Errno() *errno.Cell {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errno
}

// TCB returns the thread-control block this group installs on ThreadSet.
func (g *Group) TCB() *tcb.Block {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tcb
}

// Generation returns the number of times Renew has succeeded.
func (g *Group) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// Renew reinitializes g's errno cell and thread-control block in place.
// The scheduler calls it when a paused task is cancelled, before the
// Group goes back to its pool. The renewal runs under backoff.Retry, but
// the operation itself never fails, so it runs exactly once and Renew
// always returns nil; concurrent Renew calls on the same Group are
// serialized by g's mutex.
func (g *Group) Renew() error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Second

	return backoff.Retry(func() error {
		g.mu.Lock()
		g.errno = errno.New()
		g.tcb = tcb.New()
		g.generation++
		gen := g.generation
		g.mu.Unlock()

		log.WithFields(logrus.Fields{"group": g.id, "generation": gen}).Debug("renewed group")
		return nil
	}, b)
}

// threadGroups maps a pinned OS thread (by its Gettid) to the Group
// currently running on it, the re-homing of original_source's thread_local!
// SIGNAL/group_thread_set! macros onto an explicit, process-wide table
// keyed by the only per-thread identity Go exposes.
var threadGroups sync.Map

func tid() int {
	return unix.Gettid()
}

// ThreadSet installs g as the active group for the calling OS thread and
// installs its thread-control block, mirroring gotcha::group_thread_set!.
func ThreadSet(g *Group) {
	threadGroups.Store(tid(), g)
	if err := g.TCB().Install(); err != nil {
		log.WithError(err).Warn("failed to install thread-control block on group switch")
	}
	if g.IsShared() {
		runSharedHooks()
	}
}

// ThreadGet returns the active group for the calling OS thread, or
// Shared() if none has been set (gotcha::group_thread_get!).
func ThreadGet() *Group {
	v, ok := threadGroups.Load(tid())
	if !ok {
		return Shared()
	}
	return v.(*Group)
}

// symbols is the process-wide registry Register populates and
// LookupSymbolFn consults, standing in for dlsym against a per-group
// shadow namespace (original_source/src/preemption.rs's
// group_lookup_symbol_fn!).
var symbols sync.Map

// Register associates name with addr for later LookupSymbolFn calls. It
// is meant to be called from package init functions, e.g. by cgo shims
// that want a task's errno forwarded into their own __errno_location.
func Register(name string, addr uintptr) {
	symbols.Store(name, addr)
}

// LookupSymbolFn resolves name against the process-wide registry. Every
// Group currently shares one registry rather than one per shadow
// namespace, since this port has no dynamic linker; callers that need
// real per-group symbol isolation must supply a custom Group
// implementation, a limitation recorded in DESIGN.md.
func (g *Group) LookupSymbolFn(name string) (uintptr, bool) {
	v, ok := symbols.Load(name)
	if !ok {
		return 0, false
	}
	return v.(uintptr), true
}

var (
	sharedHooksMu sync.Mutex
	sharedHooks   []func()
)

// SharedHook registers fn to run whenever preempt switches a thread back
// to Shared(), the Go analogue of gotcha::shared_hook (original_source's
// resume_preemption trampoline re-enables preemption through this hook).
func SharedHook(fn func()) {
	sharedHooksMu.Lock()
	sharedHooks = append(sharedHooks, fn)
	sharedHooksMu.Unlock()
}

// runSharedHooks invokes every hook registered via SharedHook. ThreadSet
// calls it whenever it switches a thread to Shared().
func runSharedHooks() {
	sharedHooksMu.Lock()
	hooks := make([]func(), len(sharedHooks))
	copy(hooks, sharedHooks)
	sharedHooksMu.Unlock()

	for _, h := range hooks {
		h()
	}
}

// RunSharedHooks exposes runSharedHooks to other packages without making
// the hook slice itself public.
func RunSharedHooks() {
	runSharedHooks()
}
