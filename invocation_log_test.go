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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestInvocationLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".shk_log")

	log, err := OpenInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}

	fp := Fingerprint{
		Stat: FingerprintStat{Size: 123, Ino: 7, Mode: 0100644, Mtime: time.Unix(1000, 0)},
		Hash: HashContents([]byte("hello")),
	}
	outputs := []depEntry{{path: "out.o", fp: fp}}
	inputs := []depEntry{{path: "in.c", fp: fp}}
	stepHash := HashCommand("cc -c in.c -o out.o")
	ignored := []StepIndex{3}
	additional := []Hash{HashCommand("cc -c dep.c -o dep.o")}

	if err := log.RanCommand(stepHash, outputs, inputs, ignored, additional); err != nil {
		t.Fatal(err)
	}
	objDir := filepath.Join(dir, "obj")
	if err := os.Mkdir(objDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := log.CreatedDir(objDir); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	inv, entryCount, uniqueCount, err := ParseInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if entryCount == 0 || uniqueCount == 0 {
		t.Fatalf("expected nonzero counts, got entryCount=%d uniqueCount=%d", entryCount, uniqueCount)
	}
	if _, ok := inv.CreatedDirs[objDir]; !ok {
		t.Fatal("expected the obj directory to round-trip as a created directory")
	}

	got, ok := inv.Entries[stepHash]
	if !ok {
		t.Fatal("expected an entry for stepHash")
	}
	want := InvocationEntry{Outputs: outputs, Inputs: inputs, IgnoredDeps: ignored, AdditionalDeps: additional}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(depEntry{})); diff != "" {
		t.Fatalf("invocation entry round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInvocationLogCleanedCommandRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".shk_log")

	log, err := OpenInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	stepHash := HashCommand("rm -rf stale")
	if err := log.RanCommand(stepHash, nil, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := log.CleanedCommand(stepHash); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	inv, _, _, err := ParseInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := inv.Entries[stepHash]; ok {
		t.Fatal("expected CleanedCommand to remove the prior entry on replay")
	}
}

func TestInvocationLogRemovedDirClearsCreatedDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".shk_log")

	log, err := OpenInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	objDir := filepath.Join(dir, "obj")
	if err := os.Mkdir(objDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := log.CreatedDir(objDir); err != nil {
		t.Fatal(err)
	}
	if err := log.RemovedDir(objDir); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(objDir); err != nil {
		t.Fatal(err)
	}

	inv, _, _, err := ParseInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := inv.CreatedDirs[objDir]; ok {
		t.Fatal("expected RemovedDir to cancel out the earlier CreatedDir")
	}
}

func TestInvocationLogTruncatesCorruptTrailingEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".shk_log")

	log, err := OpenInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	goodHash := HashCommand("echo good")
	if err := log.RanCommand(goodHash, nil, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: a header claiming more payload than is
	// actually present on disk.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	inv, _, _, err := ParseInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := inv.Entries[goodHash]; !ok {
		t.Fatal("expected the entry preceding the corrupt tail to survive recovery")
	}
}

func TestNeedsRecompaction(t *testing.T) {
	l := &InvocationLog{entryCount: 1001, uniqueCount: 300}
	if !l.needsRecompaction() {
		t.Fatal("expected recompaction once entries exceed 1000 and dwarf unique count")
	}
	l2 := &InvocationLog{entryCount: 1001, uniqueCount: 400}
	if l2.needsRecompaction() {
		t.Fatal("did not expect recompaction when unique count is within the 3x ratio")
	}
}

func TestInvocationLogRecompactPreservesLiveEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".shk_log")

	log, err := OpenInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	fp := Fingerprint{Stat: FingerprintStat{Size: 1, Mtime: time.Unix(1, 0)}, Hash: HashContents([]byte("a"))}
	liveHash := HashCommand("echo live")
	staleHash := HashCommand("echo stale")
	if err := log.RanCommand(staleHash, []depEntry{{path: "stale.o", fp: fp}}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := log.RanCommand(liveHash, []depEntry{{path: "live.o", fp: fp}}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen (appending further writes) and recompact down to only the
	// entries a fresh parse says are live, simulating a manifest change that
	// dropped the step producing stale.o.
	log, err = OpenInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	live := &Invocations{
		Entries:     map[Hash]InvocationEntry{liveHash: {Outputs: []depEntry{{path: "live.o", fp: fp}}}},
		CreatedDirs: map[string]FileId{},
	}
	if err := log.Recompact(live); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	inv, _, _, err := ParseInvocationLog(RealFileSystem{}, path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := inv.Entries[staleHash]; ok {
		t.Fatal("expected recompaction to drop the entry not present in the live set")
	}
	if _, ok := inv.Entries[liveHash]; !ok {
		t.Fatal("expected recompaction to preserve the live entry")
	}
}
