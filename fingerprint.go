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

// FingerprintStat is the subset of stat(2) data a Fingerprint compares
// cheaply before falling back to a content hash: size, inode, a narrow
// slice of the mode bits (just the file-type bits; permission bits are
// intentionally excluded so a chmod alone doesn't force a re-hash) and
// mtime.
type FingerprintStat struct {
	Size  int64
	Ino   uint64
	Mode  uint32
	Mtime time.Time
}

func (s FingerprintStat) couldAccess() bool { return s.Mode != 0 || s.Size != 0 || !s.Mtime.IsZero() }

// Fingerprint is what the invocation log actually stores per input/output
// file: the cheap stat fields, a racily-clean flag, and a content hash. The
// stat fields alone are only trusted while RaciallyClean is false.
//
// The "racy clean" problem: if a file is written and then stat'd within the
// same mtime tick (common on filesystems with 1-second mtime resolution),
// the fingerprint taken right after the write is indistinguishable from one
// taken before some *other*, still-pending write landed in the same tick.
// RaciallyClean records that ambiguity so a later fingerprintMatches call
// knows to fall back to a content hash comparison rather than trusting the
// stat fields alone.
type Fingerprint struct {
	Stat          FingerprintStat
	RaciallyClean bool
	Hash          Hash
}

// MatchesResult is the outcome of comparing a stored Fingerprint against
// the file's current state.
type MatchesResult struct {
	Clean        bool
	ShouldUpdate bool
	FileId       FileId
}

// TakeFingerprint stats and (if necessary) hashes path fresh, with no prior
// fingerprint to compare against. timestamp is the reference wall-clock time
// (RunBuild passes the time each step's command finished); it is compared to
// the stat's mtime to decide
// RaciallyClean, per the same-tick ambiguity described on Fingerprint.
func TakeFingerprint(fs FileSystem, timestamp time.Time, path string) (Fingerprint, FileId, error) {
	return retakeFingerprintImpl(fs, timestamp, path, nil)
}

// RetakeFingerprint is TakeFingerprint but reuses the previous fingerprint's
// hash when the stat fields are unchanged and not racily clean, avoiding a
// re-read of unchanged file content.
func RetakeFingerprint(fs FileSystem, timestamp time.Time, path string, old Fingerprint) (Fingerprint, FileId, error) {
	return retakeFingerprintImpl(fs, timestamp, path, &old)
}

func retakeFingerprintImpl(fs FileSystem, timestamp time.Time, path string, old *Fingerprint) (Fingerprint, FileId, error) {
	st, err := fs.Lstat(path)
	if err != nil {
		return Fingerprint{}, FileId{}, err
	}
	if !st.Exists {
		return Fingerprint{Hash: MissingInput()}, FileId{}, nil
	}

	fpStat := FingerprintStat{Size: st.Size, Ino: st.FileId.Ino, Mode: st.Mode & modeTypeMask, Mtime: st.Mtime}

	if old != nil && old.Stat == fpStat && !old.RaciallyClean {
		return Fingerprint{Stat: fpStat, Hash: old.Hash}, st.FileId, nil
	}

	hash, err := hashPath(fs, path, st)
	if err != nil {
		return Fingerprint{}, FileId{}, err
	}

	fp := Fingerprint{
		Stat: fpStat,
		Hash: hash,
		// If the file's mtime is not strictly before the build's reference
		// timestamp, a concurrent write landing in the same tick could be
		// invisible to this stat: mark it racily clean so the next build
		// re-hashes instead of trusting these stat fields.
		RaciallyClean: !fpStat.Mtime.Before(timestamp),
	}
	return fp, st.FileId, nil
}

func hashPath(fs FileSystem, path string, st Stat) (Hash, error) {
	if st.IsDir {
		return fingerprintDir(fs, path, st)
	}
	if st.Mode&modeTypeMask == modeSymlink {
		return fingerprintSymlink(fs, path, st)
	}
	contents, err := fs.ReadFile(path)
	if err != nil {
		return Hash{}, err
	}
	return hashTaggedContents(fileKindRegular, st.Mode, st.Size, contents), nil
}

// modeTypeMask/modeSymlink mirror unix.S_IFMT/S_IFLNK without importing the
// unix package into this file's otherwise filesystem-agnostic logic.
const (
	modeTypeMask uint32 = 0170000
	modeSymlink  uint32 = 0120000
)

// FingerprintMatches compares a stored Fingerprint against path's current
// on-disk state, re-stating and conditionally re-hashing it.
func FingerprintMatches(fs FileSystem, path string, fp Fingerprint) (MatchesResult, error) {
	st, err := fs.Lstat(path)
	if err != nil {
		return MatchesResult{}, err
	}
	if !st.Exists {
		return MatchesResult{Clean: fp.Hash == MissingInput(), ShouldUpdate: fp.Hash != MissingInput()}, nil
	}

	newStat := FingerprintStat{Size: st.Size, Ino: st.FileId.Ino, Mode: st.Mode & modeTypeMask, Mtime: st.Mtime}
	if !fp.RaciallyClean && newStat == fp.Stat {
		return MatchesResult{Clean: true, ShouldUpdate: false, FileId: st.FileId}, nil
	}

	hash, err := hashPath(fs, path, st)
	if err != nil {
		return MatchesResult{}, err
	}
	clean := hash == fp.Hash
	// Even when the content hash still matches, a changed stat with a
	// racily-clean prior fingerprint means the log entry should be
	// refreshed with the now-unambiguous stat fields (should_update in the
	// original), so a future build doesn't pay the re-hash cost again.
	shouldUpdate := !clean || newStat != fp.Stat || fp.RaciallyClean
	return MatchesResult{Clean: clean, ShouldUpdate: shouldUpdate, FileId: st.FileId}, nil
}
