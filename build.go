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
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// BuildResult is the outcome the top-level RunBuild function returns to the
// CLI layer, which maps it to a process exit code per spec.md §7.
type BuildResult int

const (
	BuildInterrupted BuildResult = iota
	BuildSuccess
	BuildNoWorkToDo
	BuildFailure
)

// CommandResult is what a CommandRunner reports back for one finished step.
type CommandResult struct {
	Success bool
	Output  []byte
	Err     error

	// UsedInputs, when non-nil, is the set of files the command actually
	// read, as reported by a tracing CommandRunner; it drives
	// ignoredAndAdditionalDependencies. A non-tracing runner leaves this
	// nil, in which case the step's declared inputs are trusted as-is.
	UsedInputs []string
}

// CommandRunner executes steps' shell commands, respecting pool depth.
// process_runner.go and tracing_runner.go are the two production
// implementations; tests use a scripted double.
type CommandRunner interface {
	Invoke(ctx context.Context, index StepIndex, step *Step) error
	Wait(ctx context.Context) (StepIndex, CommandResult, error)
	CanRunMore(pool Pool) bool
}

// BuildStatus is the engine's only way to talk to the outside world: no
// component in this file calls fmt.Print* directly.
type BuildStatus interface {
	StepStarted(step *Step)
	StepFinished(step *Step, result CommandResult)
	Info(msg string)
	Warning(msg string)
	Error(msg string)
}

// removalLogger is the slice of delayedInvocationLog that
// deleteBuildProduct needs: recording a pruned ancestor directory.
type removalLogger interface {
	removedDir(path string) error
}

// Build holds all transient scheduling state for one invocation of the
// engine against a CompiledManifest. It is not reused across builds.
type Build struct {
	manifest    *CompiledManifest
	invocations *Invocations
	log         *delayedInvocationLog
	fs          FileSystem
	runner      CommandRunner
	status      BuildStatus
	parallelism int
	keepGoing   int // -k budget; 0 means no limit.

	dependenciesCount []int
	dependents        [][]StepIndex
	visited           []bool
	currentlyVisited  []bool
	readySteps        []StepIndex

	// noDirectDependenciesBuilt[i] starts true and is cleared the moment a
	// direct (non-ignored) dependency of step i actually runs a command,
	// per §4.4.4; it gates the canSkipBuildCommand fast path together with
	// cleanAtStart.
	noDirectDependenciesBuilt []bool
	cleanAtStart              []bool
	ignoredProducers          []map[StepIndex]bool

	hashToIndex   map[Hash]StepIndex
	outputFileIds map[FileId]StepIndex
	writtenFiles  map[FileId]Hash

	remainingFailures int
	anyFailure        bool
	invokedCommands   int
	interrupted       bool

	inFlight map[StepIndex]bool
}

// NewBuild constructs a Build ready to schedule targets drawn from
// manifest. keepGoing is the -k budget (1 to stop at the first failure, 0
// for no limit).
func NewBuild(manifest *CompiledManifest, invocations *Invocations, log *InvocationLog, fs FileSystem, runner CommandRunner, status BuildStatus, parallelism, keepGoing int) *Build {
	n := len(manifest.Steps)
	hashToIndex := make(map[Hash]StepIndex, n)
	for i, h := range manifest.StepHashes {
		hashToIndex[h] = StepIndex(i)
	}
	ignoredProducers := make([]map[StepIndex]bool, n)
	for i := 0; i < n; i++ {
		entry, ok := invocations.Entries[manifest.StepHashes[i]]
		if !ok {
			continue
		}
		if len(entry.IgnoredDeps) == 0 {
			continue
		}
		set := make(map[StepIndex]bool, len(entry.IgnoredDeps))
		for _, idx := range entry.IgnoredDeps {
			set[idx] = true
		}
		ignoredProducers[i] = set
	}
	remainingFailures := keepGoing
	if remainingFailures == 0 {
		remainingFailures = math.MaxInt
	}
	return &Build{
		manifest:                  manifest,
		invocations:               invocations,
		log:                       newDelayedInvocationLog(log),
		fs:                        fs,
		runner:                    runner,
		status:                    status,
		parallelism:               parallelism,
		keepGoing:                 keepGoing,
		dependenciesCount:         make([]int, n),
		dependents:                make([][]StepIndex, n),
		visited:                   make([]bool, n),
		currentlyVisited:          make([]bool, n),
		noDirectDependenciesBuilt: make([]bool, n),
		cleanAtStart:              make([]bool, n),
		ignoredProducers:          ignoredProducers,
		hashToIndex:               hashToIndex,
		outputFileIds:             make(map[FileId]StepIndex),
		writtenFiles:              make(map[FileId]Hash),
		remainingFailures:         remainingFailures,
		inFlight:                  make(map[StepIndex]bool),
	}
}

// construct walks the dependency DAG from the targets, computing how many
// distinct dependencies each reachable step has, and pushes
// steps with zero dependencies onto the ready stack. It is a DFS guarded by
// currentlyVisited to turn a cycle into a BuildError instead of infinite
// recursion, exactly like the original's cycle guard.
func (b *Build) construct(targets []StepIndex) error {
	for _, t := range targets {
		if err := b.visitStep(t, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *Build) visitStep(step StepIndex, stack []StepIndex) error {
	if b.currentlyVisited[step] {
		return &BuildError{Reason: "dependency cycle: " + describeCycle(b.manifest, append(stack, step))}
	}
	if b.visited[step] {
		return nil
	}
	b.currentlyVisited[step] = true
	stack = append(stack, step)

	b.noDirectDependenciesBuilt[step] = true

	deps := b.stepDependencies(step)

	// additional_dependencies recorded from a prior build are resolved by
	// hash to a StepIndex and added as edges too, per §4.4.1, so a
	// runtime-discovered implicit dependency is respected by future builds
	// even though the manifest itself declares no such edge. A hash with
	// no matching step in the current manifest forces the conservative
	// fast-path flag off, since we can no longer reason about that edge.
	if entry, ok := b.invocations.Entries[b.manifest.StepHashes[step]]; ok {
		for _, h := range entry.AdditionalDeps {
			if idx, found := b.hashToIndex[h]; found {
				deps = append(deps, idx)
			} else {
				b.noDirectDependenciesBuilt[step] = false
			}
		}
	}

	remaining := 0
	seen := make(map[StepIndex]bool, len(deps))
	for _, dep := range deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if err := b.visitStep(dep, stack); err != nil {
			return err
		}
		b.dependents[dep] = append(b.dependents[dep], step)
		remaining++
	}

	b.dependenciesCount[step] = remaining
	b.visited[step] = true
	b.currentlyVisited[step] = false

	if remaining == 0 {
		b.readySteps = append(b.readySteps, step)
	}
	return nil
}

func describeCycle(m *CompiledManifest, stack []StepIndex) string {
	s := ""
	for i, idx := range stack {
		if i > 0 {
			s += " -> "
		}
		if len(m.Steps[idx].Outputs) > 0 {
			s += m.Steps[idx].Outputs[0]
		} else {
			s += fmt.Sprintf("<step %d>", idx)
		}
	}
	return s
}

// stepDependencies resolves a step's declared inputs to the StepIndex that
// produces each one, skipping source files (inputs with no producing step).
func (b *Build) stepDependencies(step StepIndex) []StepIndex {
	var out []StepIndex
	for _, in := range b.manifest.Steps[step].allInputs() {
		if dep, ok := b.manifest.OutputFiles[in]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// computeFingerprintMatchesMemo fans a step's input/output fingerprint
// comparisons out across a small worker pool and memoizes the result,
// mirroring the original's 4-thread pool: the I/O cost of stat'ing (and
// sometimes re-hashing) every file dominates wall-clock time far more than
// any CPU cost of the comparison itself, so overlapping those syscalls
// across a handful of goroutines is the whole point.
const fingerprintWorkers = 4

func (b *Build) computeFingerprintMatchesMemo(ctx context.Context, steps []StepIndex) (map[StepIndex]bool, error) {
	results := make(map[StepIndex]bool, len(steps))
	if len(steps) == 0 {
		return results, nil
	}

	type outcome struct {
		step  StepIndex
		clean bool
	}
	out := make(chan outcome, len(steps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fingerprintWorkers)
	for _, step := range steps {
		step := step
		g.Go(func() error {
			clean, err := b.isClean(gctx, step)
			if err != nil {
				return err
			}
			out <- outcome{step, clean}
			return nil
		})
	}

	err := g.Wait()
	close(out)
	for o := range out {
		results[o.step] = o.clean
	}
	return results, err
}

// isClean reports whether step's previously recorded invocation still
// matches the current on-disk state of all its outputs and dependency
// inputs, special-casing the three classes §4.4.3 distinguishes:
//   - a console-pool step is always considered dirty (its output is never
//     captured, so there is nothing to compare against an invocation entry).
//   - a phony step (no command) has nothing to run and is always clean.
//   - a Generator step compares mtimes only: it is clean as long as none of
//     its inputs are newer than its oldest output, even if its command line
//     hash changed (manifest regeneration itself may rewrite the command).
//   - otherwise, every recorded output/input fingerprint must still match.
func (b *Build) isClean(ctx context.Context, step StepIndex) (bool, error) {
	s := &b.manifest.Steps[step]
	if s.Command == "" {
		return true, nil
	}
	if s.Pool.IsConsole() {
		return false, nil
	}
	if s.Generator {
		return b.generatorStepIsClean(s)
	}

	entry, ok := b.invocations.Entries[b.manifest.StepHashes[step]]
	if !ok {
		return false, nil
	}
	for _, o := range entry.Outputs {
		res, err := FingerprintMatches(b.fs, o.path, o.fp)
		if err != nil {
			return false, err
		}
		if !res.Clean {
			return false, nil
		}
	}
	for _, in := range entry.Inputs {
		res, err := FingerprintMatches(b.fs, in.path, in.fp)
		if err != nil {
			return false, err
		}
		if !res.Clean {
			return false, nil
		}
	}
	return true, nil
}

// generatorStepIsClean implements the Generator criterion: stat (not hash)
// every input and output, and consider the step clean as long as no input
// is newer than the oldest output. A missing output always makes the step
// dirty.
func (b *Build) generatorStepIsClean(s *Step) (bool, error) {
	if len(s.Outputs) == 0 {
		return true, nil
	}
	var oldestOutput time.Time
	for i, out := range s.Outputs {
		st, err := b.fs.Lstat(out)
		if err != nil {
			return false, err
		}
		if !st.Exists {
			return false, nil
		}
		if i == 0 || st.Mtime.Before(oldestOutput) {
			oldestOutput = st.Mtime
		}
	}
	for _, in := range s.allInputs() {
		st, err := b.fs.Lstat(in)
		if err != nil {
			return false, err
		}
		if st.Exists && st.Mtime.After(oldestOutput) {
			return false, nil
		}
	}
	return true, nil
}

// discardCleanSteps evaluates every should-build step's cleanliness (not
// just the initial ready set) via computeFingerprintMatchesMemo and marks
// clean ones done without ever reaching enqueueBuildCommand, per §4.4.2's
// "every should-build step" and §4.4.3's "phony steps are clean". Steps
// found clean here also seed cleanAtStart for the steps that remain ready
// but are not yet dispatched (the canSkipBuildCommand fast path consults
// it once a deeper step becomes ready later in the build).
func (b *Build) discardCleanSteps(ctx context.Context) error {
	var shouldBuild []StepIndex
	for i := range b.manifest.Steps {
		if b.visited[StepIndex(i)] {
			shouldBuild = append(shouldBuild, StepIndex(i))
		}
	}
	clean, err := b.computeFingerprintMatchesMemo(ctx, shouldBuild)
	if err != nil {
		return err
	}
	for step, isClean := range clean {
		b.cleanAtStart[step] = isClean
	}

	if len(b.readySteps) == 0 {
		return nil
	}
	initial := b.readySteps
	b.readySteps = nil
	var stillReady []StepIndex
	for _, step := range initial {
		if clean[step] {
			if err := b.markStepNodeAsDone(step, CommandResult{Success: true}, true); err != nil {
				return err
			}
			continue
		}
		stillReady = append(stillReady, step)
	}
	// Dependents that markStepNodeAsDone made ready above stay queued.
	b.readySteps = append(stillReady, b.readySteps...)
	return nil
}

// markStepNodeAsDone records that step has finished successfully or was
// found clean and skipped, decrements every dependent step's dependenciesCount, and pushes any that
// hit zero onto the ready stack. A successful step's outputs are checked
// against outputFileIds: if two different steps claim the same FileId (a
// hardlink alias the manifest's textual OutputFileMap couldn't see), the
// build fails rather than silently letting one overwrite the other's
// bookkeeping. stepWasSkipped distinguishes a clean/bypassed step (which
// does not clear dependents' noDirectDependenciesBuilt flag, per §4.4.4)
// from one whose command actually ran.
func (b *Build) markStepNodeAsDone(step StepIndex, result CommandResult, stepWasSkipped bool) error {
	if result.Success {
		for _, out := range b.manifest.Steps[step].Outputs {
			st, err := b.fs.Lstat(out)
			if err != nil {
				return err
			}
			if st.Exists {
				if owner, ok := b.outputFileIds[st.FileId]; ok && owner != step {
					return &BuildError{Reason: fmt.Sprintf(
						"multiple steps write to the same file (%s): steps %d and %d", out, owner, step)}
				}
				b.outputFileIds[st.FileId] = step
			}
		}
	}

	for _, dependent := range b.dependents[step] {
		if !stepWasSkipped && b.noDirectDependenciesBuilt[dependent] {
			if !b.ignoredProducers[dependent][step] {
				b.noDirectDependenciesBuilt[dependent] = false
			}
		}
		b.dependenciesCount[dependent]--
		if b.dependenciesCount[dependent] == 0 {
			b.readySteps = append(b.readySteps, dependent)
		}
	}
	return nil
}

// canSkipBuildCommand implements §4.4.5's skip-if-inputs-unchanged fast
// path: a step that was clean at build start, or whose direct dependencies
// never actually ran a command, can still bypass its own command if every
// recorded input/output fingerprint matches the file's current state (a
// file just written earlier in this same build is checked against
// writtenFiles' freshly computed hash instead of re-stat'ing).
func (b *Build) canSkipBuildCommand(step StepIndex) (bool, error) {
	entry, ok := b.invocations.Entries[b.manifest.StepHashes[step]]
	if !ok {
		return false, nil
	}
	if !b.cleanAtStart[step] && !b.noDirectDependenciesBuilt[step] {
		return false, nil
	}
	for _, o := range entry.Outputs {
		clean, err := b.matchesRecordedOrWritten(o)
		if err != nil || !clean {
			return false, err
		}
	}
	for _, in := range entry.Inputs {
		clean, err := b.matchesRecordedOrWritten(in)
		if err != nil || !clean {
			return false, err
		}
	}
	return true, nil
}

func (b *Build) matchesRecordedOrWritten(e depEntry) (bool, error) {
	st, err := b.fs.Lstat(e.path)
	if err != nil {
		return false, err
	}
	if st.Exists {
		if h, ok := b.writtenFiles[st.FileId]; ok {
			return h == e.fp.Hash, nil
		}
	}
	res, err := FingerprintMatches(b.fs, e.path, e.fp)
	if err != nil {
		return false, err
	}
	return res.Clean, nil
}

// commandBypassed finishes step without ever invoking its command, per
// canSkipBuildCommand: it still reports stepFinished for non-phony steps
// and marks the node done as skipped so dependents' noDirectDependenciesBuilt
// flags are left untouched.
func (b *Build) commandBypassed(step StepIndex) error {
	s := &b.manifest.Steps[step]
	result := CommandResult{Success: true}
	b.status.StepFinished(s, result)
	return b.markStepNodeAsDone(step, result, true)
}

// mkdirsLogged ensures dir (and every missing ancestor) exists, recording
// each directory this call actually creates via CreatedDir so a later
// build's deleteBuildProduct knows it is safe to remove again.
func (b *Build) mkdirsLogged(dir string) error {
	dir = CanonicalizePath(dir)
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if parent := Dirname(dir); parent != "" {
		if err := b.mkdirsLogged(parent); err != nil {
			return err
		}
	}
	st, err := b.fs.Lstat(dir)
	if err != nil {
		return err
	}
	if st.Exists {
		return nil
	}
	if err := b.fs.Mkdir(dir); err != nil {
		return err
	}
	return b.log.createdDir(dir)
}

// deleteOldOutputs removes every output recorded for step's prior
// invocation entry (if any), pruning now-empty ancestor directories this
// build history created, ahead of re-running step's command.
func (b *Build) deleteOldOutputs(step StepIndex) error {
	entry, ok := b.invocations.Entries[b.manifest.StepHashes[step]]
	if !ok {
		return nil
	}
	for _, o := range entry.Outputs {
		if err := deleteBuildProduct(b.fs, b.log, o.path, b.invocations.CreatedDirs); err != nil {
			return err
		}
	}
	return nil
}

// enqueueBuildCommand starts step's command through the CommandRunner,
// unless it can be bypassed entirely: a phony/grouping step with no
// command, or a step canSkipBuildCommand finds still clean.
func (b *Build) enqueueBuildCommand(ctx context.Context, step StepIndex) error {
	s := &b.manifest.Steps[step]
	if s.Command == "" {
		return b.markStepNodeAsDone(step, CommandResult{Success: true}, true)
	}

	skip, err := b.canSkipBuildCommand(step)
	if err != nil {
		return err
	}
	if skip {
		return b.commandBypassed(step)
	}

	if err := b.deleteOldOutputs(step); err != nil {
		return err
	}
	if s.RspFile != "" {
		if err := b.mkdirsLogged(Dirname(s.RspFile)); err != nil {
			return err
		}
		if err := b.fs.WriteFile(s.RspFile, []byte(s.RspFileContent)); err != nil {
			return err
		}
	}
	for _, dir := range s.OutputDirs {
		if err := b.mkdirsLogged(dir); err != nil {
			return err
		}
	}

	b.status.StepStarted(s)
	b.inFlight[step] = true
	b.invokedCommands++
	return b.runner.Invoke(ctx, step, s)
}

// commandDone processes one CommandRunner.Wait result: reports it through
// BuildStatus, writes (or defers, via the delayed log) an invocation-log
// entry on success, and folds a successful step into the done set. A failed
// step is not marked done, so its dependents stay blocked.
func (b *Build) commandDone(step StepIndex, result CommandResult, timestamp time.Time) error {
	delete(b.inFlight, step)
	s := &b.manifest.Steps[step]

	if s.Depfile != "" {
		_ = b.fs.RemoveFile(s.Depfile)
	}
	if s.RspFile != "" && result.Success {
		_ = b.fs.RemoveFile(s.RspFile)
	}

	b.status.StepFinished(s, result)

	if !result.Success {
		b.remainingFailures--
		b.anyFailure = true
		return nil
	}

	outputs := make([]depEntry, 0, len(s.Outputs))
	for _, path := range s.Outputs {
		fp, fileID, err := TakeFingerprint(b.fs, timestamp, path)
		if err != nil {
			return err
		}
		if existing, ok := b.writtenFiles[fileID]; ok && existing != fp.Hash && fileID != (FileId{}) {
			return &BuildError{Reason: fmt.Sprintf(
				"more than one step wrote to the same file (%s) in this build", path)}
		}
		if fileID != (FileId{}) {
			b.writtenFiles[fileID] = fp.Hash
		}
		outputs = append(outputs, depEntry{path: path, fp: fp})
	}

	inputPaths := s.dependencyInputs()
	if result.UsedInputs != nil {
		inputPaths = usedDependencies(s, result.UsedInputs)
	}
	inputs := make([]depEntry, 0, len(inputPaths))
	for _, path := range inputPaths {
		fp, _, err := TakeFingerprint(b.fs, timestamp, path)
		if err != nil {
			return err
		}
		inputs = append(inputs, depEntry{path: path, fp: fp})
	}

	if !s.Pool.IsConsole() {
		ignored, additional := ignoredAndAdditionalDependencies(b.manifest, s, result.UsedInputs)
		if err := b.log.ranCommand(b.manifest.StepHashes[step], outputs, inputs, ignored, additional); err != nil {
			return err
		}
	}
	return b.markStepNodeAsDone(step, result, false)
}

// usedDependencies intersects a command's actually-observed file reads with
// its declared dependency inputs, so a step's recorded inputs never grow to
// include files it merely happened to touch outside its declared set
// without also being recorded as an "additional" dependency.
func usedDependencies(s *Step, observed []string) []string {
	declared := make(map[string]bool, len(s.dependencyInputs()))
	for _, in := range s.dependencyInputs() {
		declared[in] = true
	}
	var used []string
	for _, path := range observed {
		if declared[path] {
			used = append(used, path)
		}
	}
	return used
}

// ignoredAndAdditionalDependencies splits a step's actually-observed reads
// against its declared dependency inputs via a sorted merge-join: paths
// declared but never read are "ignored" (recorded by the StepIndex of the
// step that produces each one, so a later build's canSkipBuildCommand can
// tell an ignored dependency apart from a direct one); paths read but
// never declared are "additional" (recorded by the command Hash of the
// step that produces each one, so they survive manifest renumbering).
// Either list silently drops paths with no resolvable producing step
// (plain source files): those never induce a DAG edge in the first place.
func ignoredAndAdditionalDependencies(m *CompiledManifest, s *Step, observed []string) (ignored []StepIndex, additional []Hash) {
	if observed == nil {
		return nil, nil
	}
	declared := append([]string(nil), s.dependencyInputs()...)
	sort.Strings(declared)
	used := append([]string(nil), observed...)
	sort.Strings(used)

	addIgnored := func(path string) {
		if owner, ok := m.OutputFiles[path]; ok {
			ignored = append(ignored, owner)
		}
	}
	addAdditional := func(path string) {
		if owner, ok := m.OutputFiles[path]; ok {
			additional = append(additional, m.StepHashes[owner])
		}
	}

	i, j := 0, 0
	for i < len(declared) && j < len(used) {
		switch {
		case declared[i] < used[j]:
			addIgnored(declared[i])
			i++
		case declared[i] > used[j]:
			addAdditional(used[j])
			j++
		default:
			i++
			j++
		}
	}
	for ; i < len(declared); i++ {
		addIgnored(declared[i])
	}
	for ; j < len(used); j++ {
		addAdditional(used[j])
	}
	return ignored, additional
}

// deleteBuildProduct removes path and then walks up through its ancestor
// directories removing each as long as it was created by this build
// (createdDirs, keyed by path with the FileId it had when last recorded)
// and is now empty, stopping at the first directory not in createdDirs,
// one whose FileId no longer matches (replaced out from under us), or the
// first non-empty-directory error. Each successfully removed ancestor is
// logged via removedDir.
func deleteBuildProduct(fs FileSystem, log removalLogger, path string, createdDirs map[string]FileId) error {
	if err := fs.RemoveFile(path); err != nil {
		return err
	}
	dir := Dirname(path)
	for dir != "" {
		fid, tracked := createdDirs[dir]
		if !tracked {
			break
		}
		st, err := fs.Lstat(dir)
		if err != nil || !st.Exists || st.FileId != fid {
			break
		}
		if err := fs.RemoveFile(dir); err != nil {
			break // likely non-empty: stop pruning here, not an error.
		}
		if err := log.removedDir(dir); err != nil {
			return err
		}
		dir = Dirname(dir)
	}
	return nil
}

// RunBuild drives steps to completion: it requests as many ready steps as
// the runner and pool depths allow, waits for results, and repeats until
// either every targeted step is done, a failure budget is exhausted, or ctx
// is cancelled (Ctrl-C). writeAll is called exactly once, via defer, on
// every return path, so a build interrupted or failed mid-dispatch never
// skips flushing delayed log entries buffered by earlier, successful steps.
func RunBuild(ctx context.Context, b *Build, targets []StepIndex, now func() time.Time) (result BuildResult, err error) {
	defer func() {
		if werr := b.log.writeAll(now); werr != nil && err == nil {
			result, err = BuildFailure, werr
		}
	}()

	if err = b.construct(targets); err != nil {
		return BuildFailure, err
	}
	if err = b.discardCleanSteps(ctx); err != nil {
		return BuildFailure, err
	}
	if len(b.readySteps) == 0 && len(b.inFlight) == 0 {
		return BuildNoWorkToDo, nil
	}

	for len(b.readySteps) > 0 || len(b.inFlight) > 0 {
		if ctx.Err() != nil {
			b.interrupted = true
			break
		}
		for len(b.readySteps) > 0 {
			next := b.readySteps[len(b.readySteps)-1]
			pool := b.manifest.Steps[next].Pool
			if !b.runner.CanRunMore(pool) {
				break
			}
			b.readySteps = b.readySteps[:len(b.readySteps)-1]
			if enqErr := b.enqueueBuildCommand(ctx, next); enqErr != nil {
				if ctx.Err() != nil {
					b.interrupted = true
					break
				}
				return BuildFailure, enqErr
			}
		}
		if b.interrupted {
			break
		}

		if len(b.inFlight) == 0 {
			continue
		}
		step, cmdResult, waitErr := b.runner.Wait(ctx)
		if waitErr != nil {
			if ctx.Err() != nil {
				b.interrupted = true
				break
			}
			return BuildFailure, waitErr
		}
		if doneErr := b.commandDone(step, cmdResult, now()); doneErr != nil {
			return BuildFailure, doneErr
		}
		if !cmdResult.Success && b.remainingFailures <= 0 {
			break
		}
	}

	switch {
	case b.interrupted:
		return BuildInterrupted, nil
	case b.anyFailure:
		return BuildFailure, nil
	case b.invokedCommands == 0:
		return BuildNoWorkToDo, nil
	default:
		return BuildSuccess, nil
	}
}
