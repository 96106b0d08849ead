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
	"fmt"
	"sort"
)

// StepIndex identifies a Step within a CompiledManifest's Steps slice. It is
// stable only for the lifetime of one CompiledManifest value: a manifest
// regeneration can renumber steps freely, which is exactly why the
// invocation log keys entries by HashCommand rather than by StepIndex.
type StepIndex int

// Pool bounds the number of concurrently running steps that reference it,
// the way Ninja's `pool` declarations do. The zero Pool (empty Name) is the
// implicit unbounded default pool; a Pool named "console" with Depth 1 gets
// the process-pool runner's direct-stdio treatment (see process_runner.go).
type Pool struct {
	Name  string
	Depth int
}

// IsConsole reports whether this is Ninja's reserved "console" pool, which
// always has depth 1 and gets direct access to the build's own stdio.
func (p Pool) IsConsole() bool { return p.Name == "console" }

// Step is one build action: a command, the pool it runs in, and its
// declared inputs and outputs. A CompiledManifest's Steps already have
// their command lines fully expanded (no remaining $in/$out/$variable
// substitution); that expansion is a manifest-parsing concern and is out of
// scope here.
type Step struct {
	Command     string
	Description string
	Pool        Pool

	// Outputs and Inputs are the step's *declared* outputs and inputs, in
	// the order the manifest listed them. ImplicitInputs/OrderOnlyInputs
	// split out Ninja's "| implicit" and "|| order-only" dependency classes:
	// both participate in dirtiness checks, but only ImplicitInputs (not
	// OrderOnlyInputs) are compared against a step's runtime-observed reads
	// when computing ignored/additional dependencies.
	Outputs         []string
	Inputs          []string
	ImplicitInputs  []string
	OrderOnlyInputs []string

	// OutputDirs lists directories the command needs to exist before it
	// runs but that are not themselves declared outputs (e.g. a compiler's
	// -o directory when no single file output names it). The engine mkdirs
	// each of these (and records them as created) before invoking Command.
	OutputDirs []string

	// RspFile/RspFileContent name a response file the engine writes with
	// RspFileContent before invoking Command (Command is expected to
	// reference RspFile by path) and removes once the command finishes,
	// mirroring Ninja's rspfile/rspfile_content pair for commands with
	// argument lists too long for a shell to pass directly.
	RspFile        string
	RspFileContent string

	// Depfile, if set, names a Makefile-style dependency file the command
	// writes declaring additional inputs it discovered at run time; the
	// engine deletes it after folding its contents into the recorded
	// invocation (tracing runners take precedence when both are present).
	Depfile string

	// Generator marks a step whose command only rewrites the build
	// manifest itself; such steps are considered clean as long as their
	// inputs haven't changed, even if their command line has (see
	// generatorStepIsClean in build.go).
	Generator bool

	// Restat marks a step whose output mtimes should be re-stat'd after the
	// command completes and compared against their pre-build state: if
	// nothing actually changed (a code generator that rewrites its output
	// byte-for-byte identical), dependents are not considered dirty merely
	// because the step ran.
	Restat bool
}

// allInputs returns every input class (regular, implicit, order-only)
// concatenated, in the order dirtiness scanning should consider them.
func (s *Step) allInputs() []string {
	out := make([]string, 0, len(s.Inputs)+len(s.ImplicitInputs)+len(s.OrderOnlyInputs))
	out = append(out, s.Inputs...)
	out = append(out, s.ImplicitInputs...)
	out = append(out, s.OrderOnlyInputs...)
	return out
}

// dependencyInputs returns the inputs whose presence in a step's observed
// file reads matters for ignored/additional dependency computation: regular
// and implicit inputs, but not order-only ones (order-only inputs only
// gate scheduling order, not content dependency tracking).
func (s *Step) dependencyInputs() []string {
	out := make([]string, 0, len(s.Inputs)+len(s.ImplicitInputs))
	out = append(out, s.Inputs...)
	out = append(out, s.ImplicitInputs...)
	return out
}

// OutputFileMap maps every output path declared by any step to the index of
// the step that produces it. Constructing one fails if two steps declare
// the same output, mirroring indexed_manifest.h's OutputFileMap, which
// throws on exactly that condition at manifest-compile time rather than
// deferring the conflict to a build-time FileId collision.
type OutputFileMap map[string]StepIndex

func computeOutputFileMap(steps []Step) (OutputFileMap, error) {
	m := make(OutputFileMap, len(steps))
	for i, step := range steps {
		for _, out := range step.Outputs {
			if existing, ok := m[out]; ok {
				return nil, &BuildError{Reason: fmt.Sprintf(
					"multiple steps (%d and %d) declare the same output %q", existing, i, out)}
			}
			m[out] = StepIndex(i)
		}
	}
	return m, nil
}

// CompiledManifest is the already-validated, typed input the engine
// consumes: parsing and evaluating a Ninja-syntax manifest file into this
// shape is out of scope (spec.md §1 "Non-goals").
type CompiledManifest struct {
	Steps       []Step
	Defaults    []string
	Pools       []Pool
	OutputFiles OutputFileMap
	StepHashes  []Hash

	// Roots holds the indices of every step whose outputs are not consumed
	// as an input (declared, implicit, or order-only) by any other step:
	// the implicit default build when no target and no Defaults are given.
	Roots []StepIndex

	sortedOutputs []string
	outputOwner   []StepIndex
	sortedInputs  []string
}

// CompileManifest computes the derived indices (OutputFileMap, per-step
// HashCommand, Roots, sorted output/input vectors) a raw list of steps
// needs before Build can schedule it, mirroring indexed_manifest.h's
// IndexedManifest constructor.
func CompileManifest(steps []Step, defaults []string, pools []Pool) (*CompiledManifest, error) {
	outputFiles, err := computeOutputFileMap(steps)
	if err != nil {
		return nil, err
	}
	hashes := make([]Hash, len(steps))
	for i, step := range steps {
		hashes[i] = HashCommand(step.Command)
	}

	m := &CompiledManifest{
		Steps:       steps,
		Defaults:    defaults,
		Pools:       pools,
		OutputFiles: outputFiles,
		StepHashes:  hashes,
	}
	m.Roots = computeRoots(steps, outputFiles)
	m.sortedOutputs, m.outputOwner = computeSortedOutputs(steps)
	m.sortedInputs = computeSortedInputs(steps)
	return m, nil
}

// computeRoots finds every step whose declared outputs are not referenced
// as an input (of any of the three input classes) by any other step.
func computeRoots(steps []Step, outputFiles OutputFileMap) []StepIndex {
	isInput := make(map[string]bool)
	for _, step := range steps {
		for _, in := range step.allInputs() {
			isInput[in] = true
		}
	}
	var roots []StepIndex
	for i, step := range steps {
		root := len(step.Outputs) == 0
		for _, out := range step.Outputs {
			if !isInput[out] {
				root = true
				break
			}
		}
		if root {
			roots = append(roots, StepIndex(i))
		}
	}
	return roots
}

func computeSortedOutputs(steps []Step) ([]string, []StepIndex) {
	type pair struct {
		path  string
		owner StepIndex
	}
	var pairs []pair
	for i, step := range steps {
		for _, out := range step.Outputs {
			pairs = append(pairs, pair{out, StepIndex(i)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].path < pairs[j].path })
	paths := make([]string, len(pairs))
	owners := make([]StepIndex, len(pairs))
	for i, p := range pairs {
		paths[i] = p.path
		owners[i] = p.owner
	}
	return paths, owners
}

func computeSortedInputs(steps []Step) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, step := range steps {
		for _, in := range step.allInputs() {
			if !seen[in] {
				seen[in] = true
				paths = append(paths, in)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

// FindOutput returns the step producing path, via binary search over the
// manifest's sorted output vector, the way indexed_manifest.h's
// OutputFileMap lookup is documented to work for large manifests.
func (m *CompiledManifest) FindOutput(path string) (StepIndex, bool) {
	i := sort.SearchStrings(m.sortedOutputs, path)
	if i < len(m.sortedOutputs) && m.sortedOutputs[i] == path {
		return m.outputOwner[i], true
	}
	return 0, false
}

// HasInput reports whether path is consumed as an input (of any class) by
// any step in the manifest, via binary search over a deduplicated sorted
// vector of every declared input path.
func (m *CompiledManifest) HasInput(path string) bool {
	i := sort.SearchStrings(m.sortedInputs, path)
	return i < len(m.sortedInputs) && m.sortedInputs[i] == path
}

// FindStepConsuming returns the (first, by step order) step that declares
// path among its regular Inputs, via a linear scan seeded by HasInput's
// binary-search membership check so a path with no consumer at all is
// rejected in O(log n) before ever walking the step list.
func (m *CompiledManifest) FindStepConsuming(path string) (StepIndex, bool) {
	if !m.HasInput(path) {
		return 0, false
	}
	for i, step := range m.Steps {
		for _, in := range step.Inputs {
			if in == path {
				return StepIndex(i), true
			}
		}
	}
	return 0, false
}
