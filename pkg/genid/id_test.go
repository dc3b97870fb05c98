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

package genid

import "testing"

func TestNextThenValid(t *testing.T) {
	var tbl Table
	id := tbl.Next(0)
	if !tbl.Valid(id) {
		t.Fatalf("freshly minted id %+v should be valid", id)
	}
}

func TestInvalidateTruncatesAtIndex(t *testing.T) {
	var tbl Table
	outer := tbl.Next(0)
	inner := tbl.Next(1)
	if !tbl.Valid(outer) || !tbl.Valid(inner) {
		t.Fatalf("both ids should start valid")
	}
	tbl.Invalidate(0)
	if tbl.Valid(outer) {
		t.Errorf("Invalidate(0) should invalidate the id at index 0 too")
	}
	if tbl.Valid(inner) {
		t.Errorf("Invalidate(0) should invalidate descendants at index 1")
	}
}

func TestInvalidateSubsequentKeepsIndex(t *testing.T) {
	var tbl Table
	outer := tbl.Next(0)
	inner := tbl.Next(1)
	tbl.InvalidateSubsequent(0)
	if !tbl.Valid(outer) {
		t.Errorf("InvalidateSubsequent(0) must keep the frame at index 0 valid")
	}
	if tbl.Valid(inner) {
		t.Errorf("InvalidateSubsequent(0) must invalidate descendants of index 0")
	}
}

func TestNextReplacesStaleSibling(t *testing.T) {
	var tbl Table
	first := tbl.Next(0)
	second := tbl.Next(0)
	if tbl.Valid(first) {
		t.Errorf("minting a new id at an occupied index must invalidate the old one")
	}
	if !tbl.Valid(second) {
		t.Errorf("the newly minted id must be valid")
	}
}

func TestZeroIDIsNeverValid(t *testing.T) {
	var tbl Table
	tbl.Next(0)
	if tbl.Valid(Zero) {
		t.Errorf("the zero ID must never validate against a live table")
	}
}
