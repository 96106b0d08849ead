// Copyright 2015 Google Inc. All Rights Reserved.
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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	flatbuffers "github.com/google/flatbuffers/go"
)

// ignoredTraceFiles are paths a trace commonly reports that carry no build
// dependency information: devices, ephemeral system state and kernel
// internals, not the command's actual inputs/outputs. Ignoring them keeps
// "additional dependencies" from filling up with noise.
var ignoredTraceFiles = map[string]bool{
	"/dev/null":          true,
	"/dev/random":        true,
	"/dev/urandom":       true,
	"/dev/tty":           true,
	"/dev/dtracehelper":  true,
	"/dev/autofs_nowait": true,
	"/AppleInternal":     true,
}

// traceHelperName is the external helper shk shells out to in order to
// capture a command's actual file reads/writes (an strace/dtrace/ptrace
// wrapper, named by analogy to the original's shk-trace binary). It is
// resolved via PATH at TracingCommandRunner construction time; when it is
// missing, tracing is turned off without any message.
const traceHelperName = "shk-trace"

// TracingCommandRunner wraps another CommandRunner and augments each
// successful result with the set of files the command actually touched, by
// running it through traceHelperName and reading back a flatbuffers-encoded
// Trace table (three string vectors: inputs, outputs, errors; layout
// documented above traceMessage) the helper writes to a scratch file. A command is not traced at
// all when it has no command (phony step), targets the console pool
// (interactive commands can't be wrapped without disturbing their stdio),
// or the helper isn't available; in all of those cases it silently falls
// back to the inner runner with UsedInputs left nil, so build.go trusts the
// step's declared inputs as-is.
type TracingCommandRunner struct {
	inner      CommandRunner
	fs         FileSystem
	tmpDir     string
	helperPath string

	traceFiles map[StepIndex]string
}

// NewTracingCommandRunner wraps inner. If the trace helper cannot be found
// on PATH, tracing is disabled and every command runs exactly as inner
// would run it on its own.
func NewTracingCommandRunner(inner CommandRunner, fs FileSystem, tmpDir string) *TracingCommandRunner {
	helperPath, _ := exec.LookPath(traceHelperName)
	return &TracingCommandRunner{inner: inner, fs: fs, tmpDir: tmpDir, helperPath: helperPath, traceFiles: map[StepIndex]string{}}
}

func (t *TracingCommandRunner) CanRunMore(pool Pool) bool { return t.inner.CanRunMore(pool) }

func (t *TracingCommandRunner) Invoke(ctx context.Context, idx StepIndex, step *Step) error {
	if step.Command == "" || step.Pool.IsConsole() || t.helperPath == "" {
		return t.inner.Invoke(ctx, idx, step)
	}

	traceFile, err := t.fs.Mkstemp(t.tmpDir, "shk-trace.XXXXXXXX")
	if err != nil {
		return err
	}
	t.traceFiles[idx] = traceFile

	traced := &Step{
		Command:         fmt.Sprintf("%s -f %s -- %s", t.helperPath, shellQuote(traceFile), step.Command),
		Pool:            step.Pool,
		Outputs:         step.Outputs,
		Inputs:          step.Inputs,
		ImplicitInputs:  step.ImplicitInputs,
		OrderOnlyInputs: step.OrderOnlyInputs,
		Generator:       step.Generator,
	}
	return t.inner.Invoke(ctx, idx, traced)
}

func (t *TracingCommandRunner) Wait(ctx context.Context) (StepIndex, CommandResult, error) {
	idx, result, err := t.inner.Wait(ctx)
	if err != nil {
		return idx, result, err
	}
	traceFile, ok := t.traceFiles[idx]
	if !ok {
		return idx, result, nil
	}
	delete(t.traceFiles, idx)

	used, traceErr := parseTraceFile(traceFile)
	defer os.Remove(traceFile)
	if errors.Is(traceErr, errTraceReportedErrors) {
		// Errors recorded by the helper itself fail the step even when the
		// command exited zero.
		result.Success = false
		result.Output = append(result.Output, traceErr.Error()+"\n"...)
		return idx, result, nil
	}
	if traceErr != nil {
		// A trace that failed to parse or decode doesn't invalidate an
		// otherwise successful command; it just means this step falls back
		// to its declared dependencies for this build, same as an untraced
		// step.
		return idx, result, nil
	}
	if result.Success {
		result.UsedInputs = used
	}
	return idx, result, nil
}

// parseTraceFile reads the helper's scratch trace file, decodes it as a
// flatbuffers Trace table, and merges its Inputs and Outputs vectors into a
// single deduplicated, filtered list (build.go's ignoredAndAdditionalDependencies
// only needs "was this path touched", not which direction). A Trace whose
// Errors vector is non-empty (the helper itself couldn't resolve some
// access, typically a race between the traced process exiting and the
// helper reading its memory maps) is reported as an error so the build
// treats the step as failed even if its exit code was zero.
var errTraceReportedErrors = errors.New("trace error")

func parseTraceFile(path string) ([]string, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trace, err := decodeTrace(buf)
	if err != nil {
		return nil, err
	}
	if len(trace.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", errTraceReportedErrors, strings.Join(trace.Errors, "; "))
	}

	seen := make(map[string]bool, len(trace.Inputs)+len(trace.Outputs))
	var used []string
	for _, list := range [...][]string{trace.Inputs, trace.Outputs} {
		for _, path := range list {
			if ignoredTraceFiles[path] || seen[path] {
				continue
			}
			seen[path] = true
			used = append(used, path)
		}
	}
	return used, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// trace.fbs, conceptually:
//
//	table Trace {
//	  inputs: [string];   // field 0, vtable slot offset 4
//	  outputs: [string];  // field 1, vtable slot offset 6
//	  errors: [string];   // field 2, vtable slot offset 8
//	}
//	root_type Trace;
//
// No .fbs file or flatc-generated accessors exist in this tree: the
// trace helper is an external binary out of scope for this module, so
// traceMessage's Builder/Table use below is hand-written directly against
// github.com/google/flatbuffers/go rather than generated code.
type traceMessage struct {
	Inputs  []string
	Outputs []string
	Errors  []string
}

const (
	traceFieldInputs  flatbuffers.VOffsetT = 4
	traceFieldOutputs flatbuffers.VOffsetT = 6
	traceFieldErrors  flatbuffers.VOffsetT = 8
)

// encodeTrace serializes msg as a flatbuffers Trace table. Used by tests
// and by anything standing in for the external trace helper.
func encodeTrace(msg traceMessage) []byte {
	b := flatbuffers.NewBuilder(256)

	inputsVec := buildStringVector(b, msg.Inputs)
	outputsVec := buildStringVector(b, msg.Outputs)
	errorsVec := buildStringVector(b, msg.Errors)

	b.StartObject(3)
	b.PrependUOffsetTSlot(0, inputsVec, 0)
	b.PrependUOffsetTSlot(1, outputsVec, 0)
	b.PrependUOffsetTSlot(2, errorsVec, 0)
	trace := b.EndObject()

	b.Finish(trace)
	return b.FinishedBytes()
}

func buildStringVector(b *flatbuffers.Builder, values []string) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(values))
	for i, v := range values {
		offsets[i] = b.CreateString(v)
	}
	b.StartVector(flatbuffers.SizeUOffsetT, len(values), flatbuffers.SizeUOffsetT)
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	return b.EndVector(len(values))
}

// decodeTrace parses buf as a flatbuffers Trace table. It checks that buf
// holds a root offset pointing inside buf, and turns any out-of-range access
// while reading the table into an error, since a trace file truncated by a
// crashed helper must not panic the scheduler thread reading it back.
func decodeTrace(buf []byte) (msg traceMessage, err error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return traceMessage{}, fmt.Errorf("trace file too short to contain a root offset (%d bytes)", len(buf))
	}
	root := flatbuffers.GetUOffsetT(buf)
	if int(root) >= len(buf) {
		return traceMessage{}, fmt.Errorf("trace file root offset %d out of range (%d bytes)", root, len(buf))
	}

	defer func() {
		if r := recover(); r != nil {
			msg, err = traceMessage{}, fmt.Errorf("malformed trace file: %v", r)
		}
	}()
	tab := flatbuffers.Table{Bytes: buf, Pos: root}
	return traceMessage{
		Inputs:  readStringVector(&tab, traceFieldInputs),
		Outputs: readStringVector(&tab, traceFieldOutputs),
		Errors:  readStringVector(&tab, traceFieldErrors),
	}, nil
}

func readStringVector(tab *flatbuffers.Table, field flatbuffers.VOffsetT) []string {
	o := tab.Offset(field)
	if o == 0 {
		return nil
	}
	off := flatbuffers.UOffsetT(o)
	n := tab.VectorLen(off)
	if n == 0 {
		return nil
	}
	vec := tab.Vector(off)
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = string(tab.ByteVector(vec + flatbuffers.UOffsetT(i)*flatbuffers.SizeUOffsetT))
	}
	return out
}
