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
	"context"
	"path/filepath"
	"testing"
	"time"
)

// recordingStatus is a no-op BuildStatus double that records which steps it
// was told about, so tests can assert on scheduling order without caring
// about any particular terminal rendering.
type recordingStatus struct {
	started  []string
	finished []string
}

func (s *recordingStatus) StepStarted(step *Step) {
	s.started = append(s.started, step.Command)
}
func (s *recordingStatus) StepFinished(step *Step, result CommandResult) {
	s.finished = append(s.finished, step.Command)
}
func (s *recordingStatus) Info(string)    {}
func (s *recordingStatus) Warning(string) {}
func (s *recordingStatus) Error(string)   {}

// scriptedRunner is a deterministic CommandRunner test double: Invoke writes
// each step's declared outputs to fs (standing in for whatever a real
// command would have produced) unless the step's command is listed in
// failing, then immediately queues the CommandResult for Wait to return.
// Nothing here actually runs a subprocess, so tests stay synchronous.
type scriptedRunner struct {
	fs      *VirtualFileSystem
	failing map[string]bool
	results chan scriptedResult
}

type scriptedResult struct {
	step   StepIndex
	result CommandResult
}

func newScriptedRunner(fs *VirtualFileSystem, failing map[string]bool) *scriptedRunner {
	return &scriptedRunner{fs: fs, failing: failing, results: make(chan scriptedResult, 64)}
}

func (r *scriptedRunner) CanRunMore(pool Pool) bool { return true }

func (r *scriptedRunner) Invoke(ctx context.Context, index StepIndex, step *Step) error {
	if r.failing[step.Command] {
		r.results <- scriptedResult{step: index, result: CommandResult{Success: false, Err: errCommandFailed}}
		return nil
	}
	for _, out := range step.Outputs {
		r.fs.WriteFile(out, []byte(step.Command))
	}
	r.results <- scriptedResult{step: index, result: CommandResult{Success: true}}
	return nil
}

func (r *scriptedRunner) Wait(ctx context.Context) (StepIndex, CommandResult, error) {
	select {
	case e := <-r.results:
		return e.step, e.result, nil
	case <-ctx.Done():
		return 0, CommandResult{}, ctx.Err()
	}
}

var errCommandFailed = &BuildError{Reason: "scripted command failure"}

func newTestInvocationLog(t *testing.T) *InvocationLog {
	t.Helper()
	log, err := OpenInvocationLog(RealFileSystem{}, filepath.Join(t.TempDir(), ".shk_log"))
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func emptyInvocations() *Invocations {
	return &Invocations{Entries: map[Hash]InvocationEntry{}, CreatedDirs: map[string]FileId{}}
}

func fixedNow() time.Time { return time.Unix(1<<30, 0) }

func TestRunBuildCompileAndLink(t *testing.T) {
	fs := NewVirtualFileSystem()
	fs.Create("foo.c", "int main() {}")

	steps := []Step{
		{Command: "cc -c foo.c -o foo.o", Outputs: []string{"foo.o"}, Inputs: []string{"foo.c"}},
		{Command: "cc foo.o -o foo", Outputs: []string{"foo"}, Inputs: []string{"foo.o"}},
	}
	manifest, err := CompileManifest(steps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	runner := newScriptedRunner(fs, nil)
	status := &recordingStatus{}
	log := newTestInvocationLog(t)
	b := NewBuild(manifest, emptyInvocations(), log, fs, runner, status, 2, 1)

	result, err := RunBuild(context.Background(), b, []StepIndex{1}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if result != BuildSuccess {
		t.Fatalf("got %v, want BuildSuccess", result)
	}
	if len(status.started) != 2 {
		t.Fatalf("expected both steps to run, got %v", status.started)
	}
	// The link step must not have been scheduled before its dependency.
	if status.started[0] != steps[0].Command {
		t.Fatalf("expected %q to run before %q, got order %v", steps[0].Command, steps[1].Command, status.started)
	}
	if st, _ := fs.Stat("foo"); !st.Exists {
		t.Fatal("expected the final link output to exist")
	}
}

func TestRunBuildSkipsAlreadyCleanStep(t *testing.T) {
	fs := NewVirtualFileSystem()
	fs.Create("foo.c", "int main() {}")
	steps := []Step{
		{Command: "cc -c foo.c -o foo.o", Outputs: []string{"foo.o"}, Inputs: []string{"foo.c"}},
	}
	manifest, err := CompileManifest(steps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Fingerprint the current (clean) state directly, simulating a
	// previous build's recorded invocation.
	inputFp, _, err := TakeFingerprint(fs, fixedNow(), "foo.c")
	if err != nil {
		t.Fatal(err)
	}
	fs.Create("foo.o", "cc -c foo.c -o foo.o")
	outputFp, _, err := TakeFingerprint(fs, fixedNow(), "foo.o")
	if err != nil {
		t.Fatal(err)
	}
	invocations := emptyInvocations()
	invocations.Entries[manifest.StepHashes[0]] = InvocationEntry{
		Outputs: []depEntry{{path: "foo.o", fp: outputFp}},
		Inputs:  []depEntry{{path: "foo.c", fp: inputFp}},
	}

	runner := newScriptedRunner(fs, nil)
	status := &recordingStatus{}
	log := newTestInvocationLog(t)
	b := NewBuild(manifest, invocations, log, fs, runner, status, 2, 1)

	result, err := RunBuild(context.Background(), b, []StepIndex{0}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if result != BuildNoWorkToDo {
		t.Fatalf("got %v, want BuildNoWorkToDo", result)
	}
	if len(status.started) != 0 {
		t.Fatalf("expected no command to run for an already-clean step, got %v", status.started)
	}
}

func TestRunBuildIndependentFailureDoesNotBlockOtherTarget(t *testing.T) {
	fs := NewVirtualFileSystem()
	fs.Create("a.c", "a")
	fs.Create("b.c", "b")
	steps := []Step{
		{Command: "build a (fails)", Outputs: []string{"a.o"}, Inputs: []string{"a.c"}},
		{Command: "build b (succeeds)", Outputs: []string{"b.o"}, Inputs: []string{"b.c"}},
	}
	manifest, err := CompileManifest(steps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	runner := newScriptedRunner(fs, map[string]bool{"build a (fails)": true})
	status := &recordingStatus{}
	log := newTestInvocationLog(t)
	// keepGoing=2: both independent targets get a chance to run even
	// though one fails.
	b := NewBuild(manifest, emptyInvocations(), log, fs, runner, status, 2, 2)

	result, err := RunBuild(context.Background(), b, []StepIndex{0, 1}, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if result != BuildFailure {
		t.Fatalf("got %v, want BuildFailure", result)
	}
	if st, _ := fs.Stat("b.o"); !st.Exists {
		t.Fatal("expected the independent, non-failing step to still have run")
	}
	if st, _ := fs.Stat("a.o"); st.Exists {
		t.Fatal("a failing step must not leave its declared output behind")
	}
}

func TestConstructDetectsCycle(t *testing.T) {
	fs := NewVirtualFileSystem()
	steps := []Step{
		{Command: "step0", Outputs: []string{"x"}, Inputs: []string{"y"}},
		{Command: "step1", Outputs: []string{"y"}, Inputs: []string{"x"}},
	}
	manifest, err := CompileManifest(steps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	runner := newScriptedRunner(fs, nil)
	log := newTestInvocationLog(t)
	b := NewBuild(manifest, emptyInvocations(), log, fs, runner, &recordingStatus{}, 2, 1)

	_, err = RunBuild(context.Background(), b, []StepIndex{0}, fixedNow)
	if err == nil {
		t.Fatal("expected a dependency cycle to be reported as an error")
	}
}

func TestIgnoredAndAdditionalDependencies(t *testing.T) {
	steps := []Step{
		{Command: "make a.h", Outputs: []string{"a.h"}},
		{Command: "make b.h", Outputs: []string{"b.h"}},
		{Command: "make c.h", Outputs: []string{"c.h"}},
		{Command: "make d.h", Outputs: []string{"d.h"}},
		{Command: "cc -c foo.c -o foo.o", Outputs: []string{"foo.o"}, Inputs: []string{"foo.c"}, ImplicitInputs: []string{"a.h", "b.h", "c.h"}},
	}
	manifest, err := CompileManifest(steps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := &manifest.Steps[4]

	ignored, additional := ignoredAndAdditionalDependencies(manifest, s, []string{"b.h", "d.h"})
	if len(ignored) != 2 {
		t.Fatalf("got ignored=%v, want 2 entries (a.h and c.h were declared but not read)", ignored)
	}
	wantIgnored := map[StepIndex]bool{0: true, 2: true}
	for _, idx := range ignored {
		if !wantIgnored[idx] {
			t.Fatalf("unexpected ignored dependency step index %d, want one of %v", idx, wantIgnored)
		}
	}
	if len(additional) != 1 || additional[0] != manifest.StepHashes[3] {
		t.Fatalf("got additional=%v, want [%v] (d.h was read but not declared)", additional, manifest.StepHashes[3])
	}
}

func TestIgnoredAndAdditionalDependenciesNilObserved(t *testing.T) {
	steps := []Step{
		{Command: "make a.h", Outputs: []string{"a.h"}},
		{Command: "cc -c foo.c -o foo.o", Outputs: []string{"foo.o"}, ImplicitInputs: []string{"a.h"}},
	}
	manifest, err := CompileManifest(steps, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := &manifest.Steps[1]

	ignored, additional := ignoredAndAdditionalDependencies(manifest, s, nil)
	if ignored != nil || additional != nil {
		t.Fatalf("a non-tracing runner (nil UsedInputs) must not report any ignored/additional deps, got (%v, %v)", ignored, additional)
	}
}
