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
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"time"
)

// InvocationEntry is one step's last-known recorded invocation: what it
// produced, what it read, which of its declared dependency inputs it never
// actually touched (IgnoredDeps, named by the producing step's StepIndex)
// and which additional files it read without declaring (AdditionalDeps,
// named by the producing step's command Hash) - see build.go's
// ignoredAndAdditionalDependencies.
type InvocationEntry struct {
	Outputs        []depEntry
	Inputs         []depEntry
	IgnoredDeps    []StepIndex
	AdditionalDeps []Hash
}

// Invocations is the fully materialized read path: the result of parsing an
// invocation log file into a map keyed by step command hash, plus the set
// of directories this build history knows it created, keyed by path with
// the FileId each directory had the last time this log was parsed so a
// directory later removed and replaced by something else is not mistaken
// for the one this build history is tracking.
type Invocations struct {
	Entries     map[Hash]InvocationEntry
	CreatedDirs map[string]FileId
}

// parseError marks a structurally invalid entry encountered mid-stream; the
// caller truncates the file back to the last good entry boundary and
// continues, rather than failing the whole build over a partially written
// trailing record (the common case after a crash mid-append).
type parseError struct {
	offset int64
	err    error
}

func (e *parseError) Error() string { return e.err.Error() }

// ParseInvocationLog reads path and returns its live Invocations plus the
// counts Recompact's heuristic needs: the total number of entries, and the
// number of distinct paths plus live invocation and created-directory
// records. If the file ends
// in a corrupt or truncated entry, it is truncated back to the last valid
// boundary and parsing continues from there, mirroring the original's
// streaming-parse-with-recovery behavior: a crash mid-append should never
// make the whole build history unusable.
func ParseInvocationLog(fs FileSystem, path string) (*Invocations, int, int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return &Invocations{Entries: map[Hash]InvocationEntry{}, CreatedDirs: map[string]FileId{}}, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, &PathError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, 0, &PathError{Op: "read", Path: path, Err: err}
	}

	inv := &Invocations{Entries: map[Hash]InvocationEntry{}, CreatedDirs: map[string]FileId{}}
	paths := map[uint32]string{}
	createdDirPaths := map[string]bool{}
	distinctPaths := map[string]bool{}
	var nextID uint32
	entryCount, uniqueCount := 0, 0

	r := bytes.NewReader(data)
	if r.Len() < len(logFileSignature)+4 {
		return inv, 0, 0, nil // empty/header-only: nothing to recover.
	}
	sig := make([]byte, len(logFileSignature))
	io.ReadFull(r, sig)
	if string(sig) != logFileSignature {
		return nil, 0, 0, &BuildError{Reason: "invocation log: bad signature, refusing to parse " + path}
	}
	var version uint32
	binary.Read(r, binary.LittleEndian, &version)

	lastGood := int64(r.Size()) - int64(r.Len())
	for {
		offset := int64(r.Size()) - int64(r.Len())
		var header uint32
		if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
			break // clean EOF at an entry boundary.
		}
		entryType := header & entryTypeMask
		words := int(header >> 2)
		payload := make([]byte, words*4)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // truncated mid-entry: stop, truncate back to lastGood below.
		}

		ok := true
		switch entryType {
		case entryTypePath:
			s := string(bytes.TrimRight(payload, "\x00"))
			paths[nextID] = s
			nextID++
			distinctPaths[s] = true
		case entryTypeCreated:
			if len(payload) < 4 {
				ok = false
				break
			}
			id := binary.LittleEndian.Uint32(payload)
			if p, found := paths[id]; found {
				createdDirPaths[p] = true
			} else {
				ok = false
			}
		case entryTypeInvocation:
			entry, perr := parseInvocationPayload(payload, paths)
			if perr != nil {
				ok = false
				break
			}
			var hash Hash
			copy(hash[:], payload[:len(hash)])
			inv.Entries[hash] = *entry
		case entryTypeDeleted:
			// Disambiguate by payload length per spec.md §4.2: a 4-byte
			// payload is a RemovedDir path id, a 20-byte payload is a
			// CleanedCommand step hash.
			switch len(payload) {
			case 4:
				id := binary.LittleEndian.Uint32(payload)
				if p, found := paths[id]; found {
					delete(createdDirPaths, p)
				} else {
					ok = false
				}
			case len(Hash{}):
				var hash Hash
				copy(hash[:], payload)
				delete(inv.Entries, hash)
			default:
				ok = false
			}
		default:
			ok = false
		}
		if !ok {
			break
		}
		entryCount++
		lastGood = offset + 4 + int64(len(payload))
	}
	uniqueCount = len(distinctPaths) + len(inv.Entries) + len(createdDirPaths)

	if lastGood < int64(len(data)) {
		if err := f.Truncate(lastGood); err != nil {
			return nil, 0, 0, &PathError{Op: "truncate", Path: path, Err: err}
		}
	}

	// A directory this build history believes it created is only trusted
	// if it still exists as a directory right now; a path that was removed
	// and replaced by something else (or deleted outright) falls out here
	// rather than being handed to a future deleteBuildProduct call as if it
	// were still the same directory.
	for p := range createdDirPaths {
		st, err := fs.Lstat(p)
		if err != nil {
			return nil, 0, 0, err
		}
		if st.Exists && st.IsDir {
			inv.CreatedDirs[p] = st.FileId
		}
	}

	return inv, entryCount, uniqueCount, nil
}

func parseInvocationPayload(payload []byte, paths map[uint32]string) (*InvocationEntry, error) {
	const hashLen = 20
	if len(payload) < hashLen+16 {
		return nil, &parseError{err: io.ErrUnexpectedEOF}
	}
	r := bytes.NewReader(payload[hashLen:])
	var numOutputs, numInputs, ignored, additional uint32
	binary.Read(r, binary.LittleEndian, &numOutputs)
	binary.Read(r, binary.LittleEndian, &numInputs)
	binary.Read(r, binary.LittleEndian, &ignored)
	binary.Read(r, binary.LittleEndian, &additional)

	readDeps := func(n uint32) ([]depEntry, error) {
		out := make([]depEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			var id uint32
			if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
				return nil, err
			}
			fp, err := readFingerprint(r)
			if err != nil {
				return nil, err
			}
			p, ok := paths[id]
			if !ok {
				return nil, &parseError{err: io.ErrUnexpectedEOF}
			}
			out = append(out, depEntry{path: p, fp: fp})
		}
		return out, nil
	}

	outputs, err := readDeps(numOutputs)
	if err != nil {
		return nil, err
	}
	inputs, err := readDeps(numInputs)
	if err != nil {
		return nil, err
	}

	ignoredDeps := make([]StepIndex, 0, ignored)
	for i := uint32(0); i < ignored; i++ {
		var idx uint32
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, &parseError{err: io.ErrUnexpectedEOF}
		}
		ignoredDeps = append(ignoredDeps, StepIndex(idx))
	}
	additionalDeps := make([]Hash, 0, additional)
	for i := uint32(0); i < additional; i++ {
		var h Hash
		if _, err := io.ReadFull(r, h[:]); err != nil {
			return nil, &parseError{err: io.ErrUnexpectedEOF}
		}
		additionalDeps = append(additionalDeps, h)
	}

	return &InvocationEntry{
		Outputs:        outputs,
		Inputs:         inputs,
		IgnoredDeps:    ignoredDeps,
		AdditionalDeps: additionalDeps,
	}, nil
}

func readFingerprint(r *bytes.Reader) (Fingerprint, error) {
	var size, ino, mode, mtime, racy uint32
	for _, p := range []*uint32{&size, &ino, &mode, &mtime, &racy} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return Fingerprint{}, err
		}
	}
	var hash Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		Stat: FingerprintStat{
			Size:  int64(size),
			Ino:   uint64(ino),
			Mode:  mode,
			Mtime: time.Unix(int64(mtime), 0),
		},
		RaciallyClean: racy != 0,
		Hash:          hash,
	}, nil
}
