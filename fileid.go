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

// FileId identifies a file by device and inode number rather than by path.
// Two different paths with the same FileId are the same file (hardlink,
// bind mount, or a path that was renamed and recreated); this is what lets
// markStepNodeAsDone notice when two steps claim to have produced the same
// underlying file under different output paths.
//
// FileId is never persisted across a reboot: inode numbers are only stable
// for the lifetime of the filesystem mount that assigned them, and a device
// number can be reused by the kernel after an unmount. The invocation log
// stores Fingerprints, not FileIds, for exactly this reason.
type FileId struct {
	Ino uint64
	Dev uint64
}

// Missing reports whether id is the zero value, used as the sentinel FileId
// for a path that could not be stat'd (missing file, permission error).
func (id FileId) Missing() bool {
	return id == FileId{}
}
