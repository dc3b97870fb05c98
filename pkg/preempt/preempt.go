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

// Package preempt drives the real OS-level half of spec.md §4.4: a
// per-task timer that, on expiry, delivers a real signal to the task's
// pinned OS thread, forwarded to a dedicated goroutine that marks the
// task's ctxswitch.Context as having a preemption request pending.
// original_source/src/preemption.rs and src/timer.rs install a POSIX
// CLOCK_REALTIME timer targeting the thread directly (SIGEV_THREAD_ID)
// and a synchronous SA_SIGINFO handler; Go funnels all signal delivery
// through the runtime's own signal goroutine, so this package uses
// golang.org/x/sys/unix.Tgkill to target the specific pinned thread and
// os/signal.Notify plus a forwarding goroutine to react to it, racing a
// time.Ticker against golinger's deadline instead of a kernel itimer.
package preempt

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/efficient/golinger/pkg/ctxswitch"
	"github.com/efficient/golinger/pkg/group"
	"github.com/efficient/golinger/pkg/pool"
)

var log = logrus.WithField("component", "preempt")

// notificationSignals mirrors original_source/src/signals.rs's fixed pool
// of four signals libinger may repurpose for timer notification: SIGALRM,
// SIGVTALRM, SIGPROF, and SIGXCPU.
var notificationSignals = []os.Signal{unix.SIGALRM, unix.SIGVTALRM, unix.SIGPROF, unix.SIGXCPU}

var signalPool = pool.New(func() (os.Signal, bool) {
	signalPoolMu.Lock()
	defer signalPoolMu.Unlock()
	if signalPoolNext >= len(notificationSignals) {
		return nil, false
	}
	s := notificationSignals[signalPoolNext]
	signalPoolNext++
	return s, true
})

var (
	signalPoolMu   sync.Mutex
	signalPoolNext int
)

// ErrNoSignal is returned when every candidate notification signal is
// already assigned to another concurrently preempting thread.
var ErrNoSignal = errors.New("preempt: no notification signal available")

// assignSignal draws an unused signal from the fixed notification pool
// (original_source's assign_signal, backed by a SyncPool).
func assignSignal() (*pool.Reusable[os.Signal], error) {
	r, err := pool.TryFrom(signalPool)
	if err != nil {
		return nil, ErrNoSignal
	}
	return r, nil
}

// Timer is one armed per-thread preemption timer. Its quantum ticker fires
// (and delivers a real signal) far more often than any one task's budget
// actually expires; deadline is the shared nsnow()-comparable clock the
// forwarding goroutine checks before ever acting on one of those ticks, so
// that an active budget set by the caller (sched.Resume, via
// Controller.SetDeadline) is the only thing that turns a signal into an
// actual preemption request.
type Timer struct {
	quantum  time.Duration
	sig      *pool.Reusable[os.Signal]
	sigCh    chan os.Signal
	stop     chan struct{}
	done     chan struct{}
	deadline *atomic.Int64 // unix nanoseconds; 0 means unbounded (never fires)
}

// Arm creates and starts a Timer that delivers a real signal to ctx's
// pinned OS thread (the caller must already have called
// runtime.LockOSThread, as ctxswitch's task bootstrap does) every quantum,
// but only requests preemption on ctx once nsnow() >= *deadline, the same
// test original_source's signal handler performs before acting on a timer
// tick. deadline is owned by the caller (Controller) so it can be updated
// across a task's pauses without re-arming the timer.
func Arm(quantum time.Duration, ctx *ctxswitch.Context, deadline *atomic.Int64) (*Timer, error) {
	sig, err := assignSignal()
	if err != nil {
		return nil, err
	}

	t := &Timer{
		quantum:  quantum,
		sig:      sig,
		sigCh:    make(chan os.Signal, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		deadline: deadline,
	}
	signal.Notify(t.sigCh, t.sig.Value())

	tid := unix.Gettid()
	pid := unix.Getpid()
	ticker := time.NewTicker(quantum)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := unix.Tgkill(pid, tid, toSignal(t.sig.Value())); err != nil {
					log.WithError(err).Warn("tgkill failed delivering preemption signal")
				}
			case <-t.stop:
				return
			}
		}
	}()

	go func() {
		defer close(t.done)
		defer signal.Stop(t.sigCh)
		defer t.sig.Close()
		for {
			select {
			case <-t.sigCh:
				if dl := t.deadline.Load(); dl != 0 && time.Now().UnixNano() >= dl {
					log.WithField("signal", t.sig.Value()).Debug("forwarding preemption request")
					ctx.RequestPreempt()
				}
			case <-t.stop:
				return
			}
		}
	}()

	return t, nil
}

// Disarm stops the ticker and the forwarding goroutine and releases the
// notification signal back to the pool.
func (t *Timer) Disarm() {
	close(t.stop)
	<-t.done
}

func toSignal(s os.Signal) (sig unix.Signal) {
	if u, ok := s.(unix.Signal); ok {
		return u
	}
	return unix.SIGALRM
}

// Controller pairs a Timer with the group switch that original_source's
// enable_preemption/disable_preemption perform around it (thread_setup,
// group_thread_set!). deadline is shared with every Timer this Controller
// arms, so a caller can set or clear the active budget (sched.Resume)
// without caring whether a Timer happens to be armed yet.
type Controller struct {
	quantum time.Duration

	mu       sync.Mutex
	timer    *Timer
	deferred bool

	deadline atomic.Int64 // unix nanoseconds; 0 means unbounded
}

// NewController returns a Controller that arms timers at the given
// quantum.
func NewController(quantum time.Duration) *Controller {
	return &Controller{quantum: quantum}
}

// Enable switches the calling thread into g and arms its preemption
// timer against ctx, the Go analogue of enable_preemption(Some(group)).
func (c *Controller) Enable(g *group.Group, ctx *ctxswitch.Context) error {
	group.ThreadSet(g)

	t, err := Arm(c.quantum, ctx, &c.deadline)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.timer = t
	c.mu.Unlock()
	return nil
}

// SetDeadline arms c's budget: the next quantum tick observing
// nsnow() >= deadline requests a preemption on the controlled Context.
// It is safe to call before Enable has armed a Timer — Enable wires every
// Timer it arms to this same shared deadline, so a deadline set ahead of
// time still takes effect once the task's first Timer is armed.
func (c *Controller) SetDeadline(deadline time.Time) {
	c.deadline.Store(deadline.UnixNano())
}

// ClearDeadline removes the active budget, so quantum ticks are purely
// advisory and never request a preemption until a later SetDeadline call.
func (c *Controller) ClearDeadline() {
	c.deadline.Store(0)
}

// Disable disarms the timer and switches the thread back to the shared
// group, the analogue of disable_preemption.
func (c *Controller) Disable() {
	c.mu.Lock()
	t := c.timer
	c.timer = nil
	c.deferred = false
	c.mu.Unlock()

	if t != nil {
		t.Disarm()
	}
	group.ThreadSet(group.Shared())
}

// IsPreemptible reports whether the calling thread is currently running
// under a non-shared group (original_source's is_preemptible).
func IsPreemptible() bool {
	return !group.ThreadGet().IsShared()
}

// Defer marks that a preemption check was postponed because the task is
// inside a nonpreemptible call (original_source's defer_preemption). The
// flag is only recorded: Deferred reports and clears it, and Disable
// clears it; nothing in this module re-raises the postponed preemption.
func (c *Controller) Defer() {
	c.mu.Lock()
	c.deferred = true
	c.mu.Unlock()
}

// Deferred reports and clears the deferred flag.
func (c *Controller) Deferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.deferred
	c.deferred = false
	return d
}
