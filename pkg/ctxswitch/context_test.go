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

package ctxswitch

import "testing"

func TestSetRunsToCompletion(t *testing.T) {
	space := NewSpace()
	ran := false
	gate := Make(space, nil, func(y *Yielder) {
		ran = true
	})
	yielded, completed, _, panicVal, err := gate.Set(0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !completed || yielded {
		t.Fatalf("expected completed=true yielded=false, got completed=%v yielded=%v", completed, yielded)
	}
	if panicVal != nil {
		t.Fatalf("unexpected panic value %v", panicVal)
	}
	if !ran {
		t.Fatalf("entry function never ran")
	}
}

func TestSetInvalidatesOnSuccess(t *testing.T) {
	space := NewSpace()
	gate := Make(space, nil, func(y *Yielder) {})
	if !gate.Valid() {
		t.Fatalf("freshly made gate should be valid")
	}
	if _, _, _, _, err := gate.Set(0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if gate.Valid() {
		t.Errorf("Set must invalidate its context on success (testable property 3)")
	}
}

func TestPauseThenRestoreThenResume(t *testing.T) {
	space := NewSpace()
	progressed := false
	gate := Make(space, nil, func(y *Yielder) {
		y.Pause(true)
		progressed = true
	})
	yielded, completed, _, _, err := gate.Set(0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !yielded || completed {
		t.Fatalf("expected a cooperative pause, got yielded=%v completed=%v", yielded, completed)
	}
	if progressed {
		t.Fatalf("entry ran past the pause before being resumed")
	}

	resumed, err := Restore(space, gate)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	yielded, completed, _, _, err = resumed.Set(0)
	if err != nil {
		t.Fatalf("Set after restore: %v", err)
	}
	if yielded || !completed {
		t.Fatalf("expected completion after resume, got yielded=%v completed=%v", yielded, completed)
	}
	if !progressed {
		t.Fatalf("entry never resumed past the pause")
	}
}

func TestSwapProducesHandlerCheckpointRestorableOnlyViaSigSet(t *testing.T) {
	space := NewSpace()
	progressed := false
	gate := Make(space, nil, func(y *Yielder) {
		y.Pause(false) // false: a forced (timer) preemption, not a cooperative pause()
		progressed = true
	})

	yielded, completed, _, _, err := gate.Set(0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if yielded || completed {
		t.Fatalf("expected a non-cooperative pause, got yielded=%v completed=%v", yielded, completed)
	}

	// The scheduler, having observed a forced pause, marks the checkpoint
	// as handler-captured.
	if _, _, err := gate.Swap(); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if _, err := Restore(space, gate); err == nil {
		t.Errorf("Restore on a handler-checkpoint must fail; use SigSet")
	}

	_, completed, _, _, err = gate.SigSet(0)
	if err != nil {
		t.Fatalf("SigSet: %v", err)
	}
	if !completed {
		t.Fatalf("expected completion after SigSet resumed past the forced pause")
	}
	if !progressed {
		t.Fatalf("entry never resumed past the forced pause")
	}
}

func TestSigSetWithoutSwapIsLogicError(t *testing.T) {
	space := NewSpace()
	gate := Make(space, nil, func(y *Yielder) {})
	if _, _, _, _, err := gate.SigSet(0); err != ErrStale {
		t.Fatalf("SigSet on a non-handler-checkpoint must report ErrStale, got %v", err)
	}
}

func TestPanicPropagatesThroughOutcome(t *testing.T) {
	space := NewSpace()
	gate := Make(space, nil, func(y *Yielder) {
		panic("PASS")
	})
	_, completed, _, panicVal, err := gate.Set(0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !completed {
		t.Fatalf("a panicking entry must still report completion so the scheduler can re-raise")
	}
	if s, ok := panicVal.(string); !ok || s != "PASS" {
		t.Fatalf("expected panic payload %q, got %v", "PASS", panicVal)
	}
}
