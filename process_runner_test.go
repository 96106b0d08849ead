// Copyright 2012 Google Inc. All Rights Reserved.
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

//go:build !windows

package shk

import (
	"context"
	"testing"
)

func TestProcessRunnerConsolePoolAllowsOnlyOne(t *testing.T) {
	r := NewProcessRunner(4, 0)
	console := Pool{Name: "console"}
	if !r.CanRunMore(console) {
		t.Fatal("expected the console pool to have room when nothing is running")
	}
	r.poolInUse["console"] = 1
	if r.CanRunMore(console) {
		t.Fatal("the console pool must never allow more than one concurrent command")
	}
}

func TestProcessRunnerNamedPoolRespectsDepth(t *testing.T) {
	r := NewProcessRunner(8, 0)
	pool := Pool{Name: "link_pool", Depth: 2}
	r.poolInUse["link_pool"] = 1
	if !r.CanRunMore(pool) {
		t.Fatal("expected room: 1 in use against a depth of 2")
	}
	r.poolInUse["link_pool"] = 2
	if r.CanRunMore(pool) {
		t.Fatal("expected no room once in-use reaches the pool's declared depth")
	}
}

func TestProcessRunnerDefaultPoolRespectsParallelism(t *testing.T) {
	r := NewProcessRunner(2, 0)
	r.inFlight[0] = &running{}
	if !r.CanRunMore(Pool{}) {
		t.Fatal("expected room: 1 in flight against a parallelism of 2")
	}
	r.inFlight[1] = &running{}
	if r.CanRunMore(Pool{}) {
		t.Fatal("expected no room once in-flight commands reach the parallelism cap")
	}
}

func TestProcessRunnerInvokeAndWaitSuccess(t *testing.T) {
	r := NewProcessRunner(4, 0)
	step := &Step{Command: "exit 0"}
	if err := r.Invoke(context.Background(), 0, step); err != nil {
		t.Fatal(err)
	}
	idx, result, err := r.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 || !result.Success {
		t.Fatalf("got idx=%d result=%+v, want idx=0 and a successful result", idx, result)
	}
}

func TestProcessRunnerInvokeAndWaitFailure(t *testing.T) {
	r := NewProcessRunner(4, 0)
	step := &Step{Command: "exit 7"}
	if err := r.Invoke(context.Background(), 0, step); err != nil {
		t.Fatal(err)
	}
	_, result, err := r.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected a nonzero exit status to be reported as a failed CommandResult")
	}
}

func TestProcessRunnerCapturesOutput(t *testing.T) {
	r := NewProcessRunner(4, 0)
	step := &Step{Command: "echo hi"}
	if err := r.Invoke(context.Background(), 0, step); err != nil {
		t.Fatal(err)
	}
	_, result, err := r.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Output) != "hi\n" {
		t.Fatalf("got output %q, want %q", result.Output, "hi\n")
	}
}
