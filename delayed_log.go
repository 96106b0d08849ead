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

import "time"

// delayedEntry buffers one RanCommand call until it is safe to write.
type delayedEntry struct {
	stepHash       Hash
	outputs        []depEntry
	inputs         []depEntry
	ignoredDeps    []StepIndex
	additionalDeps []Hash
}

// delayedInvocationLog defers writing entries whose fingerprint could be
// racily clean until the wall clock has advanced past the mtime that made
// them ambiguous. Without this, a build that runs faster than the
// filesystem's mtime resolution could persist a fingerprint for a file
// whose *next* write (about to happen in the same build, same tick) it
// cannot yet distinguish from.
//
// writeAll must be called exactly once, after every step has finished and
// it is known no further write in this build could still land in the same
// tick as a buffered entry's mtime.
type delayedInvocationLog struct {
	underlying *InvocationLog
	buffered   []delayedEntry
	written    bool
}

func newDelayedInvocationLog(log *InvocationLog) *delayedInvocationLog {
	return &delayedInvocationLog{underlying: log}
}

// createdDir and removedDir pass straight through to the underlying log:
// unlike a RanCommand entry's fingerprints, a directory's existence isn't
// subject to the same-tick mtime ambiguity writeAll exists to guard against.
func (d *delayedInvocationLog) createdDir(path string) error { return d.underlying.CreatedDir(path) }
func (d *delayedInvocationLog) removedDir(path string) error { return d.underlying.RemovedDir(path) }

// ranCommand records a step's result, buffering it if any of its
// input/output fingerprints are racily clean.
func (d *delayedInvocationLog) ranCommand(stepHash Hash, outputs, inputs []depEntry, ignoredDeps []StepIndex, additionalDeps []Hash) error {
	racy := false
	for _, e := range outputs {
		if e.fp.RaciallyClean {
			racy = true
			break
		}
	}
	if !racy {
		for _, e := range inputs {
			if e.fp.RaciallyClean {
				racy = true
				break
			}
		}
	}
	if !racy {
		return d.underlying.RanCommand(stepHash, outputs, inputs, ignoredDeps, additionalDeps)
	}
	d.buffered = append(d.buffered, delayedEntry{
		stepHash: stepHash, outputs: outputs, inputs: inputs,
		ignoredDeps: ignoredDeps, additionalDeps: additionalDeps,
	})
	return nil
}

// writeAll flushes every buffered entry. If now has not advanced past a
// buffered entry's ambiguous mtime, it blocks until the wall clock second
// ticks over, then retakes each racily clean fingerprint against that later
// time before writing it, the same wait the original accepts as the price of
// never persisting an ambiguous fingerprint.
func (d *delayedInvocationLog) writeAll(now func() time.Time) error {
	if d.written {
		panic("shk: delayedInvocationLog.writeAll called more than once")
	}
	d.written = true
	for _, e := range d.buffered {
		for now().Unix() == latestMtime(e).Unix() {
			time.Sleep(10 * time.Millisecond)
		}
		ts := now()
		for _, deps := range [][]depEntry{e.outputs, e.inputs} {
			for i := range deps {
				if !deps[i].fp.RaciallyClean {
					continue
				}
				fp, _, err := RetakeFingerprint(d.underlying.fs, ts, deps[i].path, deps[i].fp)
				if err != nil {
					return err
				}
				deps[i].fp = fp
			}
		}
		if err := d.underlying.RanCommand(e.stepHash, e.outputs, e.inputs, e.ignoredDeps, e.additionalDeps); err != nil {
			return err
		}
	}
	d.buffered = nil
	return nil
}

func latestMtime(e delayedEntry) time.Time {
	var latest time.Time
	for _, o := range e.outputs {
		if o.fp.Stat.Mtime.After(latest) {
			latest = o.fp.Stat.Mtime
		}
	}
	for _, in := range e.inputs {
		if in.fp.Stat.Mtime.After(latest) {
			latest = in.fp.Stat.Mtime
		}
	}
	return latest
}
