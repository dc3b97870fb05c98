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

// Package tcb tracks the per-group thread-control-block bookkeeping that
// original_source/src/tcb.rs swaps via arch_prctl(ARCH_SET_FS). A Go
// program's FS base already belongs to the runtime (the g and m pointers
// live there); actually repointing it out from under a running goroutine
// would corrupt the scheduler. This package keeps the TCB "swap" real at
// the bookkeeping layer spec.md cares about (a distinct, installable
// per-group slot with a generation counter and a carried-over
// stack-protector cookie). It uses golang.org/x/sys/unix only for Gettid,
// to key the per-thread slot, and Getrandom, to seed the cookie; it never
// reads or writes the FS base.
package tcb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "tcb")

// ErrNotInstalled is returned by Current when no Block has ever been
// installed on the calling goroutine's pinned OS thread.
var ErrNotInstalled = errors.New("tcb: no block installed")

// Block is one group's thread-control-block slot: a small bag of values
// that would, in the reference implementation, live at fixed offsets from
// the FS segment base (errno, a stack-protector cookie, and a locale
// pointer re-run through __ctype_init on install).
type Block struct {
	mu         sync.Mutex
	cookie     uint64
	locale     string
	generation uint64
	installed  bool
}

// New allocates a fresh Block, the Go analogue of
// original_source/src/tcb.rs's ThreadControlBlock::new (which calls
// _dl_allocate_tls). The stack-protector cookie is seeded from getrandom
// (falling back to a fixed constant) so a task that later inspects it for
// diagnostic purposes sees a plausible, nonzero value.
func New() *Block {
	return &Block{cookie: seedCookie(), locale: "C"}
}

// Current reads back the Block most recently Install()'d by the calling
// goroutine's pinned OS thread. It requires that the caller has already
// locked itself to that thread (runtime.LockOSThread) exactly as
// ctxswitch's task bootstrap does before running a task closure.
func Current() (*Block, error) {
	v, ok := currentSlot.Load(slotKey())
	if !ok {
		return nil, ErrNotInstalled
	}
	return v.(*Block), nil
}

// currentSlot stands in for the "current FS base" original_source reads
// via arch_prctl(ARCH_GET_FS). It is process-wide because this port pins
// tasks one-per-OS-thread and only ever calls Install/Current from that
// thread's own bootstrap goroutine (see ctxswitch's Context.bootstrap).
var currentSlot sync.Map // goroutine-affinity key -> *Block, keyed by Gettid

func slotKey() int {
	return unix.Gettid()
}

// Install makes b the active Block for the calling OS thread and bumps its
// generation counter. It does not re-run any locale initialization: the
// locale field keeps the "C" value New gave it. Per spec.md
// §4.5, the platform stack-protector guard is a property of the running
// binary, not of any one TCB: before a fresh Block takes over, Install
// copies the guard out of whichever Block is currently active on this
// thread (if any) rather than leaving b's own freshly seeded cookie in
// place, matching original_source/src/tcb.rs's install() (otherwise
// function epilogues compiled against the old guard would detect
// "corruption" and abort).
func (b *Block) Install() error {
	var carried uint64
	haveCarried := false
	if cur, err := Current(); err == nil && cur != b {
		carried = cur.Cookie()
		haveCarried = true
	}

	b.mu.Lock()
	if haveCarried {
		b.cookie = carried
	}
	b.generation++
	b.installed = true
	gen := b.generation
	b.mu.Unlock()

	currentSlot.Store(slotKey(), b)
	log.WithFields(logrus.Fields{
		"tid":        slotKey(),
		"generation": gen,
	}).Debug("installed thread-control block")
	return nil
}

// Uninstall clears the calling thread's active Block, the analogue of
// original_source/src/tcb.rs's Drop impl (_dl_deallocate_tls).
func Uninstall() {
	currentSlot.Delete(slotKey())
}

// Cookie returns the stack-protector canary: the one seeded at
// construction, or the one Install carried over from the Block that was
// active before it.
func (b *Block) Cookie() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cookie
}

// Generation returns the number of times this Block has been installed.
func (b *Block) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

func (b *Block) String() string {
	return fmt.Sprintf("tcb.Block{cookie: %#x, generation: %d}", b.Cookie(), b.Generation())
}

// seedCookie reads a few bytes of real entropy the way glibc seeds its
// stack-protector canary; it has no security role here, only diagnostic
// plausibility, since Go's own stack protection is the runtime's problem.
func seedCookie() uint64 {
	var buf [8]byte
	if _, err := unixGetrandom(buf[:]); err != nil {
		return 0xdeadbeef
	}
	var v uint64
	for i, bb := range buf {
		v |= uint64(bb) << (8 * uint(i))
	}
	return v
}

func unixGetrandom(p []byte) (int, error) {
	return unix.Getrandom(p, 0)
}
