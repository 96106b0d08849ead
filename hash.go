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
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash is a 20-byte digest used both for a step's command-line identity
// (HashCommand) and for a file's content digest inside a Fingerprint.
//
// 20 bytes keeps the on-disk invocation log compact while still making
// collisions astronomically unlikely; the digest is the first 20 bytes of a
// BLAKE2b-256 sum.
type Hash [20]byte

var missingInputHash = Hash{}

// MissingInput is the sentinel Hash used for a dependency whose file does
// not exist on disk; it is never equal to the hash of any real content since
// blake2b never produces the all-zero digest for non-empty input, and we
// never hash a zero-length path the same way.
func MissingInput() Hash { return missingInputHash }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// HashContents hashes an arbitrary byte slice, used for file contents,
// directory listings and symlink targets alike.
func HashContents(b []byte) Hash {
	full := blake2b.Sum256(b)
	var h Hash
	copy(h[:], full[:len(h)])
	return h
}

// HashCommand hashes a step's command line. CompileManifest uses it as each
// step's identity hash, so only the command string feeds that hash: a change
// to a step's outputs, inputs, pool or flags alone leaves it unchanged.
// Ninja (and Shuriken) keys the invocation log by this hash rather than by
// step index so that reordering or renumbering steps across manifest
// regenerations does not spuriously invalidate history.
func HashCommand(command string) Hash {
	return HashContents([]byte(command))
}

// fileKind tags what kind of filesystem entry hashTaggedContents hashed, so
// that a regular file whose literal bytes happen to equal some directory's
// rendered listing (or a symlink's target string) still produces a
// different Hash than that directory or symlink would.
type fileKind byte

const (
	fileKindRegular   fileKind = 'f'
	fileKindDirectory fileKind = 'd'
	fileKindSymlink   fileKind = 'l'
)

// hashTaggedContents hashes kind and a narrow slice of stat fields (the
// type-and-permission mode bits, and a size) ahead of contents, so a file's
// on-disk identity - not just its raw bytes - determines the resulting
// Hash. This is what hashPath uses for the three cases (regular file,
// directory listing, symlink target) instead of the bare HashContents,
// which stays reserved for hashing things with no filesystem kind of their
// own (a step's command line).
func hashTaggedContents(kind fileKind, mode uint32, size int64, contents []byte) Hash {
	w, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // only errors for an oversized key, and we pass none
	}
	var header [13]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:5], mode)
	binary.BigEndian.PutUint64(header[5:13], uint64(size))
	w.Write(header[:])
	w.Write(contents)
	full := w.Sum(nil)
	var h Hash
	copy(h[:], full[:len(h)])
	return h
}
