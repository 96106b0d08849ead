// Copyright 2011 Google Inc. All Rights Reserved.
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

package shk

import (
	"errors"
	"os"
	"testing"
)

func TestPathErrorUnwrap(t *testing.T) {
	inner := os.ErrNotExist
	pe := &PathError{Op: "stat", Path: "foo.txt", Err: inner}
	if !errors.Is(pe, os.ErrNotExist) {
		t.Fatal("expected errors.Is to see through PathError to its wrapped error")
	}
	if pe.Error() != "stat foo.txt: file does not exist" {
		t.Fatalf("got %q", pe.Error())
	}
}

func TestBuildErrorMessage(t *testing.T) {
	err := &BuildError{Reason: "dependency cycle: a -> b -> a"}
	if err.Error() != "dependency cycle: a -> b -> a" {
		t.Fatalf("got %q", err.Error())
	}
}
