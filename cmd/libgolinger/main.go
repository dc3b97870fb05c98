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

// Command libgolinger builds the C ABI shim spec.md §4.6 describes: a
// struct {bool is_complete, uint8_t continuation[N]} and four calls,
// launch, resume, cancel, and pause, exported via cgo (build with
// `go build -buildmode=c-shared` or `c-archive`).
//
// The reference implementation's continuation is the boxed Rust closure
// state inlined into those N bytes; this port has no equivalent of
// inlining a Go closure's captured state into a C struct, so the
// continuation field instead holds a runtime/cgo.Handle to a
// *sched.Linger[[]byte] kept alive on the Go side — the usual pattern
// for handing a long-lived Go object across a C ABI without unsafe
// pointer aliasing. All four entry points abort the process on a Go
// panic, matching spec.md's "FFI entry points abort the process on
// panic."
package main

/*
#include <stdint.h>
#include <stdbool.h>
#include <stdlib.h>

typedef struct {
	bool is_complete;
	uint8_t continuation[8];
} golinger_t;

// A task closure supplied by the C caller: it receives an opaque
// argument pointer and must return a malloc'd, caller-owned buffer plus
// its length; golinger_launch takes ownership of neither until the
// closure is actually invoked, and frees the buffer it returns.
typedef uint8_t *(*golinger_fn)(void *arg, size_t *out_len);

static uint8_t *golinger_call(golinger_fn fn, void *arg, size_t *out_len) {
	return fn(arg, out_len);
}
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/efficient/golinger/pkg/config"
	"github.com/efficient/golinger/pkg/ctxswitch"
	"github.com/efficient/golinger/pkg/sched"
)

var log = logrus.WithField("component", "ffi")

// scheduler is the single process-wide Scheduler every FFI call draws
// from, matching original_source's lazily initialized process globals
// (groups.rs, stacks.rs) and spec.md's one-Scheduler-per-process
// assumption.
var scheduler = sched.New(config.Default())

// abortOnPanic recovers a panicking entry point and calls C's abort(3)
// instead of letting the panic unwind across the cgo boundary.
func abortOnPanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).Error("golinger: task panicked, aborting process")
		C.abort()
	}
}

func encodeHandle(h cgo.Handle) (out [8]C.uint8_t) {
	v := uint64(h)
	for i := range out {
		out[i] = C.uint8_t(v >> (8 * uint(i)))
	}
	return out
}

func decodeHandle(raw [8]C.uint8_t) cgo.Handle {
	var v uint64
	for i, b := range raw {
		v |= uint64(b) << (8 * uint(i))
	}
	return cgo.Handle(v)
}

//export golinger_launch
func golinger_launch(fn C.golinger_fn, arg unsafe.Pointer, budgetUs C.uint64_t) C.golinger_t {
	defer abortOnPanic()

	l, err := sched.Launch(scheduler, func(y *ctxswitch.Yielder) []byte {
		var n C.size_t
		ptr := C.golinger_call(fn, arg, &n)
		if ptr == nil {
			return nil
		}
		defer C.free(unsafe.Pointer(ptr))
		return C.GoBytes(unsafe.Pointer(ptr), C.int(n))
	}, uint64(budgetUs))
	if err != nil {
		log.WithError(err).Error("golinger_launch failed")
		return C.golinger_t{is_complete: C.bool(true)}
	}
	return lingerToABI(l, 0)
}

//export golinger_resume
func golinger_resume(handle *C.golinger_t, budgetUs C.uint64_t) C.golinger_t {
	defer abortOnPanic()

	h, l, ok := decodeLinger(handle)
	if !ok {
		return C.golinger_t{is_complete: C.bool(true)}
	}
	if err := sched.Resume(l, uint64(budgetUs)); err != nil {
		log.WithError(err).Error("golinger_resume failed")
	}
	return lingerToABI(l, h)
}

//export golinger_pause
func golinger_pause(handle *C.golinger_t) C.golinger_t {
	defer abortOnPanic()

	h, l, ok := decodeLinger(handle)
	if !ok {
		return C.golinger_t{is_complete: C.bool(true)}
	}
	// Forcing a pause of a task actively running on another thread is a
	// Non-goal (spec.md §5); golinger_pause only ever applies to a task
	// that has not yet consumed its current budget, so it is spelled as
	// a zero-budget resume, which performs no execution (spec.md §5
	// "Timeouts").
	if err := sched.Resume(l, 0); err != nil {
		log.WithError(err).Error("golinger_pause failed")
	}
	return lingerToABI(l, h)
}

//export golinger_cancel
func golinger_cancel(handle *C.golinger_t) C.golinger_t {
	defer abortOnPanic()

	if h, l, ok := decodeLinger(handle); ok {
		if err := l.Close(); err != nil {
			log.WithError(err).Error("golinger_cancel failed")
		}
		h.Delete()
	}
	return C.golinger_t{is_complete: C.bool(true)}
}

// lingerToABI encodes l's current state into the C ABI result. existing,
// if nonzero, is the handle the caller already passed in for l (resume and
// pause always have one); it is reused rather than minting a fresh one, and
// deleted once l completes, so a multi-resume task is tracked by exactly
// one live cgo.Handle for its whole lifetime. golinger_launch is the only
// caller with no existing handle, so it passes the zero Handle to mint one.
func lingerToABI(l *sched.Linger[[]byte], existing cgo.Handle) C.golinger_t {
	if l.IsCompletion() {
		if existing != 0 {
			existing.Delete()
		}
		return C.golinger_t{is_complete: C.bool(true)}
	}
	h := existing
	if h == 0 {
		h = cgo.NewHandle(l)
	}
	return C.golinger_t{
		is_complete:  C.bool(false),
		continuation: encodeHandle(h),
	}
}

// decodeLinger validates handle and resolves the *sched.Linger[[]byte] it
// references, returning the decoded Handle alongside it so callers can
// pass it straight through to lingerToABI for reuse instead of minting a
// new one.
func decodeLinger(handle *C.golinger_t) (cgo.Handle, *sched.Linger[[]byte], bool) {
	if handle == nil || bool(handle.is_complete) {
		return 0, nil, false
	}
	h := decodeHandle(handle.continuation)
	l, ok := h.Value().(*sched.Linger[[]byte])
	if !ok {
		return 0, nil, false
	}
	return h, l, true
}

func main() {}
