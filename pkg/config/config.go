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

// Package config holds the tunables spec.md leaves as platform constants:
// stack size, the preemption quantum, GROUP_LIMIT, and pool prealloc
// counts. It follows runsc/boot's convention of a single flat struct with
// a Default() and a TOML loader.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Tunables are the knobs SPEC_FULL.md's config module exposes.
type Tunables struct {
	// StackSize is the size in bytes of each pooled task stack (spec.md
	// §4.2: "2 MiB each").
	StackSize int `toml:"stack_size"`

	// Quantum is the fixed per-thread interval at which the preemption
	// timer fires (spec.md §4.3: "e.g. 100 µs").
	Quantum time.Duration `toml:"quantum"`

	// GroupLimit bounds concurrent tasks per process (spec.md §3: "Groups
	// have a platform-dependent maximum (GROUP_LIMIT); this also bounds
	// concurrent tasks per process.").
	GroupLimit int `toml:"group_limit"`

	// PreallocStacks and PreallocGroups size the steady-state free lists
	// sched.Scheduler.Prewarm fills via pool.Prealloc. PreallocTCBs and
	// PreallocSignals are loaded but not read by any package in this
	// module.
	PreallocStacks  int `toml:"prealloc_stacks"`
	PreallocTCBs    int `toml:"prealloc_tcbs"`
	PreallocGroups  int `toml:"prealloc_groups"`
	PreallocSignals int `toml:"prealloc_signals"`
}

// Default returns libinger's real-world defaults (original_source's
// groups.rs derives GROUP_LIMIT from the platform; this port fixes it at a
// conservative constant since Go processes do not carry libgotcha's
// dynamic-linker namespace limit).
func Default() Tunables {
	return Tunables{
		StackSize:       2 << 20, // 2 MiB
		Quantum:         100 * time.Microsecond,
		GroupLimit:      64,
		PreallocStacks:  8,
		PreallocTCBs:    8,
		PreallocGroups:  8,
		PreallocSignals: 8,
	}
}

// Load decodes a TOML file at path over Default()'s values.
func Load(path string) (Tunables, error) {
	t := Default()
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Tunables{}, fmt.Errorf("loading tunables from %q: %w", path, err)
	}
	return t, nil
}
