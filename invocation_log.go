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
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// On-disk format, carried over from persistent_invocation_log.cpp: a fixed
// signature and version, then a stream of 4-byte-aligned entries. Each
// entry opens with a uint32 header whose top 30 bits are the entry's
// payload size in 4-byte words and whose bottom 2 bits are the entry type.
const (
	logFileSignature = "invocations:"
	logFileVersion   = uint32(2) // version 2 adds ignored/additional dep counts per spec.md §4.2

	entryTypeMask     = 0x3
	entryTypePath     = 0
	entryTypeCreated  = 1
	entryTypeInvocation = 2
	entryTypeDeleted  = 3
)

// InvocationLog is the write path: append-only record of what each step
// produced, consumed, and depended on, keyed by the step's command hash.
type InvocationLog struct {
	fs       FileSystem
	path     string
	w        *bufio.Writer
	f        *os.File
	pathIds  map[string]uint32
	nextId   uint32
	entryCount   int
	uniqueCount  int
}

// OpenInvocationLog opens (creating if necessary) the log at path, writing
// the signature+version header for a brand-new file.
func OpenInvocationLog(fs FileSystem, path string) (*InvocationLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, &PathError{Op: "open", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &PathError{Op: "stat", Path: path, Err: err}
	}
	l := &InvocationLog{
		fs:      fs,
		path:    path,
		w:       bufio.NewWriter(f),
		f:       f,
		pathIds: make(map[string]uint32),
	}
	if info.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *InvocationLog) writeHeader() error {
	if _, err := l.w.WriteString(logFileSignature); err != nil {
		return &PathError{Op: "write", Path: l.path, Err: err}
	}
	return l.writeUint32(logFileVersion)
}

func (l *InvocationLog) writeUint32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := l.w.Write(buf[:])
	if err != nil {
		return &PathError{Op: "write", Path: l.path, Err: err}
	}
	return nil
}

func entryHeader(payloadWords int, entryType uint32) uint32 {
	return uint32(payloadWords)<<2 | entryType
}

// idForPath interns path, writing a PATH entry the first time it is seen.
// Paths are written 4-byte-aligned and null-terminated, the padding made up
// of further NUL bytes, matching writePath in the original.
func (l *InvocationLog) idForPath(path string) (uint32, error) {
	path = CanonicalizePath(path)
	if id, ok := l.pathIds[path]; ok {
		return id, nil
	}
	padded := path + "\x00"
	for len(padded)%4 != 0 {
		padded += "\x00"
	}
	if err := l.writeUint32(entryHeader(len(padded)/4, entryTypePath)); err != nil {
		return 0, err
	}
	if _, err := l.w.WriteString(padded); err != nil {
		return 0, &PathError{Op: "write", Path: l.path, Err: err}
	}
	id := l.nextId
	l.nextId++
	l.pathIds[path] = id
	l.entryCount++
	l.uniqueCount++
	return id, nil
}

// depEntry is one (path, Fingerprint) pair as recorded for a step's inputs
// or outputs.
type depEntry struct {
	path string
	fp   Fingerprint
}

func (l *InvocationLog) writeFingerprint(fp Fingerprint) error {
	if err := l.writeUint32(uint32(fp.Stat.Size)); err != nil {
		return err
	}
	if err := l.writeUint32(uint32(fp.Stat.Ino)); err != nil {
		return err
	}
	if err := l.writeUint32(fp.Stat.Mode); err != nil {
		return err
	}
	if err := l.writeUint32(uint32(fp.Stat.Mtime.Unix())); err != nil {
		return err
	}
	racy := uint32(0)
	if fp.RaciallyClean {
		racy = 1
	}
	if err := l.writeUint32(racy); err != nil {
		return err
	}
	_, err := l.w.Write(fp.Hash[:])
	if err != nil {
		return &PathError{Op: "write", Path: l.path, Err: err}
	}
	return nil
}

// wordsPerFingerprint is the 4-byte-word size of one written Fingerprint:
// 5 uint32 fields plus a 20-byte (5-word) hash.
const wordsPerFingerprint = 5 + 5

// RanCommand records that stepHash produced outputs, read inputs, and
// (beyond its declared inputs) the ignored dependencies (declared inputs
// this run never actually read, named by the StepIndex of the step that
// produces each one) and additional dependencies (files read but not
// declared, named by the HashCommand of the step producing each one) that
// build.go's ignoredAndAdditionalDependencies computed.
func (l *InvocationLog) RanCommand(stepHash Hash, outputs, inputs []depEntry, ignoredDeps []StepIndex, additionalDeps []Hash) error {
	outputIds := make([]uint32, len(outputs))
	for i, o := range outputs {
		id, err := l.idForPath(o.path)
		if err != nil {
			return err
		}
		outputIds[i] = id
	}
	inputIds := make([]uint32, len(inputs))
	for i, in := range inputs {
		id, err := l.idForPath(in.path)
		if err != nil {
			return err
		}
		inputIds[i] = id
	}

	// Payload: hash (5 words) + counts (4 words: outputs, inputs, ignored,
	// additional) + per-entry (pathId word + fingerprint words) + one word
	// per ignored-dependency StepIndex + 5 words (one Hash) per
	// additional-dependency.
	payloadWords := 5 + 4 +
		len(outputIds)*(1+wordsPerFingerprint) + len(inputIds)*(1+wordsPerFingerprint) +
		len(ignoredDeps) + len(additionalDeps)*5
	if err := l.writeUint32(entryHeader(payloadWords, entryTypeInvocation)); err != nil {
		return err
	}
	if _, err := l.w.Write(stepHash[:]); err != nil {
		return &PathError{Op: "write", Path: l.path, Err: err}
	}
	if err := l.writeUint32(uint32(len(outputIds))); err != nil {
		return err
	}
	if err := l.writeUint32(uint32(len(inputIds))); err != nil {
		return err
	}
	if err := l.writeUint32(uint32(len(ignoredDeps))); err != nil {
		return err
	}
	if err := l.writeUint32(uint32(len(additionalDeps))); err != nil {
		return err
	}
	for i, id := range outputIds {
		if err := l.writeUint32(id); err != nil {
			return err
		}
		if err := l.writeFingerprint(outputs[i].fp); err != nil {
			return err
		}
	}
	for i, id := range inputIds {
		if err := l.writeUint32(id); err != nil {
			return err
		}
		if err := l.writeFingerprint(inputs[i].fp); err != nil {
			return err
		}
	}
	for _, dep := range ignoredDeps {
		if err := l.writeUint32(uint32(dep)); err != nil {
			return err
		}
	}
	for _, h := range additionalDeps {
		if _, err := l.w.Write(h[:]); err != nil {
			return &PathError{Op: "write", Path: l.path, Err: err}
		}
	}
	l.entryCount++
	l.uniqueCount++
	return nil
}

// CleanedCommand records that stepHash's outputs were removed, so a future
// parse treats any prior INVOCATION for this hash as superseded.
func (l *InvocationLog) CleanedCommand(stepHash Hash) error {
	if err := l.writeUint32(entryHeader(5, entryTypeDeleted)); err != nil {
		return err
	}
	if _, err := l.w.Write(stepHash[:]); err != nil {
		return &PathError{Op: "write", Path: l.path, Err: err}
	}
	l.entryCount++
	return nil
}

// CreatedDir records a directory this build created, so a later clean or
// deleteBuildProduct knows it is safe to rmdir as an empty ancestor.
func (l *InvocationLog) CreatedDir(path string) error {
	id, err := l.idForPath(path)
	if err != nil {
		return err
	}
	if err := l.writeUint32(entryHeader(1, entryTypeCreated)); err != nil {
		return err
	}
	if err := l.writeUint32(id); err != nil {
		return err
	}
	l.entryCount++
	return nil
}

// RemovedDir records that a directory previously recorded via CreatedDir
// has since been removed by deleteBuildProduct's ancestor-pruning walk. It
// shares entryTypeDeleted with CleanedCommand;
// the parser in invocations.go tells the two apart by payload length (a
// single 4-byte path id here, a 20-byte step hash there), per spec.md §4.2.
func (l *InvocationLog) RemovedDir(path string) error {
	id, err := l.idForPath(path)
	if err != nil {
		return err
	}
	if err := l.writeUint32(entryHeader(1, entryTypeDeleted)); err != nil {
		return err
	}
	if err := l.writeUint32(id); err != nil {
		return err
	}
	l.entryCount++
	return nil
}

func (l *InvocationLog) Flush() error {
	if err := l.w.Flush(); err != nil {
		return &PathError{Op: "write", Path: l.path, Err: err}
	}
	return nil
}

func (l *InvocationLog) Close() error {
	if err := l.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// needsRecompaction mirrors the original's heuristic: recompact once the
// log has grown to 1000+ entries and more than 3x the number of distinct
// (path/invocation) records actually live, so a long-running incrementally
// built tree doesn't carry forward unbounded history.
func (l *InvocationLog) needsRecompaction() bool {
	return l.entryCount > 1000 && l.entryCount > l.uniqueCount*3
}

// Recompact rewrites the log to a fresh temp file containing only live
// entries (as computed by the caller from a freshly parsed Invocations),
// then atomically replaces the original. The temp file is created via
// renameio so the replace is atomic even across a crash mid-write, the Go
// equivalent of the original's mkstemp-then-rename.
func (l *InvocationLog) Recompact(live *Invocations) error {
	if err := l.Flush(); err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	t, err := renameio.TempFile(dir, l.path)
	if err != nil {
		return &PathError{Op: "mkstemp", Path: l.path, Err: err}
	}
	defer t.Cleanup()

	fresh := &InvocationLog{fs: l.fs, path: l.path, w: bufio.NewWriter(t), pathIds: make(map[string]uint32)}
	if err := fresh.writeHeader(); err != nil {
		return err
	}
	for dir := range live.CreatedDirs {
		if err := fresh.CreatedDir(dir); err != nil {
			return err
		}
	}
	for hash, entry := range live.Entries {
		if err := fresh.RanCommand(hash, entry.Outputs, entry.Inputs, entry.IgnoredDeps, entry.AdditionalDeps); err != nil {
			return err
		}
	}
	if err := fresh.Flush(); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return &PathError{Op: "rename", Path: l.path, Err: err}
	}

	reopened, err := OpenInvocationLog(l.fs, l.path)
	if err != nil {
		return err
	}
	*l = *reopened
	return nil
}
