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
	"sort"
	"strings"
	"time"
)

// memEntry is one in-memory file or directory.
type memEntry struct {
	mtime    int64 // ticks, not wall-clock: see VirtualFileSystem.Tick.
	ino      uint64
	isDir    bool
	contents []byte
	symlink  string
}

// VirtualFileSystem is an in-memory FileSystem double used by tests. It
// also records every access so a test can assert on exactly which files
// were read, created or removed, the way the teacher's own VirtualFileSystem
// logs file accesses for the same purpose.
type VirtualFileSystem struct {
	now     int64
	nextIno uint64
	files   map[string]*memEntry

	FilesRead    []string
	FilesCreated map[string]bool
	FilesRemoved map[string]bool
	DirsMade     []string
}

// NewVirtualFileSystem returns an empty in-memory filesystem with its clock
// started at tick 1, matching the teacher's now_(1) initial value.
func NewVirtualFileSystem() *VirtualFileSystem {
	return &VirtualFileSystem{
		now:          1,
		nextIno:      1,
		files:        make(map[string]*memEntry),
		FilesCreated: make(map[string]bool),
		FilesRemoved: make(map[string]bool),
	}
}

// Tick advances the virtual clock, so that subsequent writes get a strictly
// later mtime than ones made before the call; this is how tests construct a
// "file changed after the previous build" scenario without sleeping.
func (v *VirtualFileSystem) Tick() int64 {
	v.now++
	return v.now
}

// Create sets path's contents directly, bypassing WriteFile's bookkeeping
// distinctions; used by test setup to seed initial file state.
func (v *VirtualFileSystem) Create(path, contents string) {
	e, ok := v.files[path]
	if !ok {
		e = &memEntry{ino: v.nextIno}
		v.nextIno++
		v.files[path] = e
	}
	e.mtime = v.now
	e.contents = []byte(contents)
	v.FilesCreated[path] = true
}

func (v *VirtualFileSystem) Stat(path string) (Stat, error)  { return v.statImpl(path) }
func (v *VirtualFileSystem) Lstat(path string) (Stat, error) { return v.statImpl(path) }

func (v *VirtualFileSystem) statImpl(path string) (Stat, error) {
	e, ok := v.files[path]
	if !ok {
		return Stat{}, nil
	}
	return Stat{
		Exists: true,
		IsDir:  e.isDir,
		Size:   int64(len(e.contents)),
		Mode:   modeFor(e),
		Mtime:  time.Unix(e.mtime, 0),
		FileId: FileId{Ino: e.ino, Dev: 1},
	}, nil
}

func modeFor(e *memEntry) uint32 {
	switch {
	case e.isDir:
		return 0040000
	case e.symlink != "":
		return modeSymlink
	default:
		return 0100000
	}
}

func (v *VirtualFileSystem) ReadFile(path string) ([]byte, error) {
	v.FilesRead = append(v.FilesRead, path)
	e, ok := v.files[path]
	if !ok {
		return nil, &PathError{Op: "read", Path: path, Err: errNotFound}
	}
	return e.contents, nil
}

func (v *VirtualFileSystem) WriteFile(path string, contents []byte) error {
	v.Create(path, string(contents))
	return nil
}

func (v *VirtualFileSystem) ReadDir(path string) ([]DirEntry, error) {
	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var out []DirEntry
	seen := map[string]bool{}
	for p, e := range v.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name := rest[:idx]
			if !seen[name] {
				seen[name] = true
				out = append(out, DirEntry{Name: name, IsDir: true})
			}
			continue
		}
		if !seen[rest] {
			seen[rest] = true
			out = append(out, DirEntry{Name: rest, IsDir: e.isDir})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *VirtualFileSystem) ReadLink(path string) (string, error) {
	e, ok := v.files[path]
	if !ok || e.symlink == "" {
		return "", &PathError{Op: "readlink", Path: path, Err: errNotFound}
	}
	return e.symlink, nil
}

func (v *VirtualFileSystem) Mkdir(path string) error {
	v.DirsMade = append(v.DirsMade, path)
	e, ok := v.files[path]
	if !ok {
		e = &memEntry{ino: v.nextIno}
		v.nextIno++
		v.files[path] = e
	}
	e.isDir = true
	e.mtime = v.now
	return nil
}

// RemoveFile deletes path, same as RealFileSystem.RemoveFile: removing a
// path that does not exist is not an error, since the engine's
// deleteBuildProduct routinely tries to remove outputs and pruned ancestor
// directories that may already be gone.
func (v *VirtualFileSystem) RemoveFile(path string) error {
	if _, ok := v.files[path]; !ok {
		return nil
	}
	delete(v.files, path)
	v.FilesRemoved[path] = true
	return nil
}

func (v *VirtualFileSystem) Rename(oldPath, newPath string) error {
	e, ok := v.files[oldPath]
	if !ok {
		return &PathError{Op: "rename", Path: oldPath, Err: errNotFound}
	}
	delete(v.files, oldPath)
	v.files[newPath] = e
	return nil
}

func (v *VirtualFileSystem) Mkstemp(dir, pattern string) (string, error) {
	name := dir + "/" + strings.TrimRight(pattern, "X") + strconv10(v.nextIno)
	v.Create(name, "")
	return name, nil
}

func strconv10(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "no such file" }
