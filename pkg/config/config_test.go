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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsSane(t *testing.T) {
	d := Default()
	if d.StackSize <= 0 {
		t.Errorf("StackSize must be positive, got %d", d.StackSize)
	}
	if d.Quantum <= 0 {
		t.Errorf("Quantum must be positive, got %v", d.Quantum)
	}
	if d.GroupLimit <= 0 {
		t.Errorf("GroupLimit must be positive, got %d", d.GroupLimit)
	}
}

func TestLoadOverridesOnlyPresentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.toml")
	if err := os.WriteFile(path, []byte("group_limit = 4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.GroupLimit != 4 {
		t.Errorf("expected overridden GroupLimit=4, got %d", got.GroupLimit)
	}
	if got.Quantum != Default().Quantum {
		t.Errorf("Quantum should keep its default when absent from the file, got %v want %v", got.Quantum, Default().Quantum)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("expected an error loading a nonexistent tunables file")
	}
}
