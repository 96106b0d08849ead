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
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// running is one in-flight child process.
type running struct {
	step StepIndex
	cmd  *exec.Cmd
	out  *bytes.Buffer
}

// ProcessRunner runs steps as `/bin/sh -c <command>` child processes,
// capping concurrency per Pool the way Ninja's SubprocessSet does: the
// unbounded default pool is limited only by the runner's overall
// parallelism, named pools by their declared Depth, and the reserved
// "console" pool to exactly one concurrent, direct-stdio command.
//
// The constructor blocks SIGINT/SIGTERM/SIGHUP in this process so that a
// Ctrl-C delivered to the whole foreground process group doesn't race the
// runner's own bookkeeping; Wait, once its ctx is cancelled, signals each
// child's own process group instead, since every non-console child is started with
// Setpgid so a signal to the build doesn't also hit grandchildren directly.
type ProcessRunner struct {
	parallelism int
	maxLoad     float64

	mu        sync.Mutex
	poolInUse map[string]int
	inFlight  map[StepIndex]*running

	results chan waitEntry

	oldMask unix.Sigset_t
}

type waitEntry struct {
	step   StepIndex
	result CommandResult
}

// NewProcessRunner constructs a runner allowing up to parallelism
// concurrent non-console commands. maxLoad mirrors -l: when positive, no
// new (non-console) command starts while the 1-minute load average is at
// or above it, even if the pool has spare depth.
func NewProcessRunner(parallelism int, maxLoad float64) *ProcessRunner {
	r := &ProcessRunner{
		parallelism: parallelism,
		maxLoad:     maxLoad,
		poolInUse:   make(map[string]int),
		inFlight:    make(map[StepIndex]*running),
		results:     make(chan waitEntry, 64),
	}
	blockInterruptSignals(&r.oldMask)
	return r
}

// loadAverage reads the 1-minute load average via sysinfo(2), the way the
// original throttles -l without needing a separate /proc/loadavg parser.
func loadAverage() float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	// Loads[0] is the 1-minute load average in the kernel's fixed-point
	// format, scaled by 1<<16.
	return float64(info.Loads[0]) / 65536.0
}

func blockInterruptSignals(old *unix.Sigset_t) {
	var set unix.Sigset_t
	sigs := []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
	for _, s := range sigs {
		set.Val[0] |= 1 << (uint(s) - 1)
	}
	// Best-effort: a failure here just means Ctrl-C races the runner's own
	// bookkeeping instead of being funnelled through terminateAll, which is
	// the situation on every other Go program anyway.
	_ = unix.Sigprocmask(unix.SIG_BLOCK, &set, old)
}

// CanRunMore reports whether another command may start in pool right now.
func (r *ProcessRunner) CanRunMore(pool Pool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool.IsConsole() {
		return r.poolInUse["console"] == 0
	}
	if r.maxLoad > 0 && loadAverage() >= r.maxLoad {
		return false
	}
	if pool.Name != "" {
		return r.poolInUse[pool.Name] < pool.Depth
	}
	return len(r.inFlight) < r.parallelism
}

// Invoke starts step's command. Non-console commands run in their own
// process group (Setpgid) so that signalling them doesn't also reach this
// process; the console pool's single occupant shares this process's stdio
// and process group directly, matching Ninja's "console" pool semantics
// (used for interactive or terminal-sensitive commands like a test runner
// that prints its own progress).
func (r *ProcessRunner) Invoke(ctx context.Context, idx StepIndex, step *Step) error {
	poolKey := step.Pool.Name
	if step.Pool.IsConsole() {
		poolKey = "console"
	}

	cmd := exec.Command("/bin/sh", "-c", step.Command)
	out := &bytes.Buffer{}
	useConsole := step.Pool.IsConsole()
	if useConsole {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: !useConsole}

	if err := cmd.Start(); err != nil {
		return &PathError{Op: "exec", Path: step.Command, Err: err}
	}

	r.mu.Lock()
	r.poolInUse[poolKey]++
	r.inFlight[idx] = &running{step: idx, cmd: cmd, out: out}
	r.mu.Unlock()

	go r.await(idx, cmd, out, poolKey)
	return nil
}

func (r *ProcessRunner) await(idx StepIndex, cmd *exec.Cmd, out *bytes.Buffer, poolKey string) {
	err := cmd.Wait()

	r.mu.Lock()
	r.poolInUse[poolKey]--
	delete(r.inFlight, idx)
	r.mu.Unlock()

	result := CommandResult{Success: err == nil, Output: out.Bytes(), Err: err}
	r.results <- waitEntry{step: idx, result: result}
}

// Wait blocks until a command finishes, or ctx is cancelled, in which case
// every still-running child's process group is sent SIGTERM before Wait
// returns an error.
func (r *ProcessRunner) Wait(ctx context.Context) (StepIndex, CommandResult, error) {
	select {
	case e := <-r.results:
		return e.step, e.result, nil
	case <-ctx.Done():
		r.terminateAll()
		return 0, CommandResult{}, ctx.Err()
	}
}

func (r *ProcessRunner) terminateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rn := range r.inFlight {
		if rn.cmd.Process == nil {
			continue
		}
		pgid, err := unix.Getpgid(rn.cmd.Process.Pid)
		if err == nil {
			unix.Kill(-pgid, syscall.SIGTERM)
		}
	}
}
