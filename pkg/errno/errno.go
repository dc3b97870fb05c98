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

// Package errno mirrors POSIX errno: a single mutable int cell that the
// preemption machinery saves and restores across a group switch, so a
// task resumed into a different library group observes the errno value
// it left behind rather than that group's own. Go programs never read
// libc's errno directly, so this package keeps its own task-local cell;
// nothing here reads or writes the real libc errno.
package errno

import "sync"

// Cell is a single task's saved errno value. The scheduler allocates one
// per task, passes its value into the task on every resume, and stores the
// value the task reports back when it pauses or completes (spec.md §4:
// "restores ... errno").
type Cell struct {
	mu  sync.Mutex
	val int32
}

// New returns a zeroed Cell.
func New() *Cell {
	return &Cell{}
}

// Get returns the cell's current value.
func (c *Cell) Get() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

// Set overwrites the cell's value.
func (c *Cell) Set(v int32) {
	c.mu.Lock()
	c.val = v
	c.mu.Unlock()
}

// Swap installs v and returns the value it replaced, matching the
// save-then-restore idiom original_source/src/preemption.rs uses around
// group switches (errno_group saves the outgoing group's value before
// resolving the incoming group's __errno_location).
func (c *Cell) Swap(v int32) int32 {
	c.mu.Lock()
	old := c.val
	c.val = v
	c.mu.Unlock()
	return old
}
