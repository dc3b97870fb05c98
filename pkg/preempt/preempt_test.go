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

package preempt

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/efficient/golinger/pkg/ctxswitch"
	"github.com/efficient/golinger/pkg/group"
)

func TestArmRequestsPreemptionOnceDeadlineElapses(t *testing.T) {
	space := ctxswitch.NewSpace()
	ctx := ctxswitch.Make(space, nil, func(y *ctxswitch.Yielder) {
		for !y.Requested() {
			time.Sleep(time.Millisecond)
		}
		y.Pause(false)
	})

	var deadline atomic.Int64
	deadline.Store(time.Now().Add(2 * time.Millisecond).UnixNano())

	timer, err := Arm(time.Millisecond, ctx, &deadline)
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	defer timer.Disarm()

	yielded, completed, _, _, err := ctx.Set(0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	// The closure only calls Pause once y.Requested() observes the timer's
	// preemption request, so this is a forced pause: yielded reports false,
	// matching the convention sched.Resume relies on (forced == !yielded).
	if yielded || completed {
		t.Fatalf("expected the timer to force a pause, got yielded=%v completed=%v", yielded, completed)
	}
}

func TestArmDoesNotPreemptWithoutDeadline(t *testing.T) {
	space := ctxswitch.NewSpace()
	requested := make(chan struct{})
	ctx := ctxswitch.Make(space, nil, func(y *ctxswitch.Yielder) {
		deadline := time.Now().Add(20 * time.Millisecond)
		for time.Now().Before(deadline) {
			if y.Requested() {
				close(requested)
				y.Pause(false)
				return
			}
		}
	})

	var deadline atomic.Int64 // zero: unbounded, quantum ticks must never fire
	timer, err := Arm(time.Millisecond, ctx, &deadline)
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	defer timer.Disarm()

	yielded, completed, _, _, err := ctx.Set(0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !completed {
		t.Fatalf("expected the closure to run to completion with no deadline set, got yielded=%v completed=%v", yielded, completed)
	}
	select {
	case <-requested:
		t.Fatalf("quantum ticks requested a preemption despite no deadline being set")
	default:
	}
}

func TestControllerEnableDisableSwitchesGroup(t *testing.T) {
	c := NewController(5 * time.Millisecond)
	space := ctxswitch.NewSpace()
	ctx := ctxswitch.Make(space, nil, func(y *ctxswitch.Yielder) {})

	g, err := group.New()
	if err != nil {
		t.Fatalf("group.New: %v", err)
	}

	if IsPreemptible() {
		t.Fatalf("thread must start out on the shared (non-preemptible) group")
	}
	if err := c.Enable(g, ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !IsPreemptible() {
		t.Errorf("expected IsPreemptible() after Enable")
	}
	c.Disable()
	if IsPreemptible() {
		t.Errorf("expected !IsPreemptible() after Disable")
	}
}

func TestDeferredIsClearedAfterRead(t *testing.T) {
	c := NewController(time.Millisecond)
	if c.Deferred() {
		t.Fatalf("a fresh Controller must not report a deferred preemption")
	}
	c.Defer()
	if !c.Deferred() {
		t.Fatalf("expected Deferred() to report true once Defer() was called")
	}
	if c.Deferred() {
		t.Errorf("Deferred() must clear the flag after reporting it")
	}
}
