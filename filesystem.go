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
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Stat is the subset of file metadata Fingerprint and FileId care about.
type Stat struct {
	Exists bool
	IsDir  bool
	Size   int64
	Mode   uint32
	Mtime  time.Time
	FileId FileId
}

// DirEntry is a single entry of a directory listing, used by fingerprintDir.
type DirEntry struct {
	Name string
	IsDir bool
}

// FileSystem is the capability every engine component that touches disk
// depends on, rather than the os package directly. A scripted in-memory
// double (see fsmem.go) implements the same interface for tests, the way
// the teacher's DiskInterface/VirtualFileSystem pair does.
type FileSystem interface {
	Stat(path string) (Stat, error)
	Lstat(path string) (Stat, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, contents []byte) error
	ReadDir(path string) ([]DirEntry, error)
	ReadLink(path string) (string, error)
	Mkdir(path string) error
	RemoveFile(path string) error
	Rename(oldPath, newPath string) error

	// Mkstemp creates a uniquely named file in dir using pattern as a
	// template (a trailing run of "X"s is replaced), returning its path.
	// Used by the invocation log's recompaction and the tracing runner's
	// scratch trace files.
	Mkstemp(dir, pattern string) (string, error)
}

// RealFileSystem implements FileSystem against the host's actual
// filesystem via golang.org/x/sys/unix so Stat can report inode and device
// numbers directly, without the extra syscall.Stat_t type assertion the
// standard os.FileInfo forces on every caller.
type RealFileSystem struct{}

func (RealFileSystem) statImpl(path string, followSymlink bool) (Stat, error) {
	var st unix.Stat_t
	var err error
	if followSymlink {
		err = unix.Stat(path, &st)
	} else {
		err = unix.Lstat(path, &st)
	}
	if err != nil {
		if err == unix.ENOENT {
			return Stat{}, nil
		}
		return Stat{}, &PathError{Op: "stat", Path: path, Err: err}
	}
	return Stat{
		Exists: true,
		IsDir:  st.Mode&unix.S_IFMT == unix.S_IFDIR,
		Size:   st.Size,
		Mode:   uint32(st.Mode),
		Mtime:  time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		FileId: FileId{Ino: st.Ino, Dev: uint64(st.Dev)},
	}, nil
}

func (fs RealFileSystem) Stat(path string) (Stat, error)  { return fs.statImpl(path, true) }
func (fs RealFileSystem) Lstat(path string) (Stat, error) { return fs.statImpl(path, false) }

func (RealFileSystem) ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &PathError{Op: "read", Path: path, Err: err}
	}
	return b, nil
}

func (RealFileSystem) WriteFile(path string, contents []byte) error {
	if err := os.WriteFile(path, contents, 0644); err != nil {
		return &PathError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (RealFileSystem) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &PathError{Op: "readdir", Path: path, Err: err}
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (RealFileSystem) ReadLink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", &PathError{Op: "readlink", Path: path, Err: err}
	}
	return target, nil
}

func (RealFileSystem) Mkdir(path string) error {
	if err := os.Mkdir(path, 0755); err != nil && !os.IsExist(err) {
		return &PathError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

func (RealFileSystem) RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &PathError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

func (RealFileSystem) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return &PathError{Op: "rename", Path: oldPath, Err: err}
	}
	return nil
}

func (RealFileSystem) Mkstemp(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, strings.TrimRight(pattern, "X")+"*")
	if err != nil {
		return "", &PathError{Op: "mkstemp", Path: filepath.Join(dir, pattern), Err: err}
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// fingerprintDir hashes a sorted directory listing: each entry's name and a
// one-byte directory marker, newline separated, the way file_system.h's
// hashDir documents doing for Fingerprint's directory case. The listing is
// hashed under fileKindDirectory so a regular file whose literal contents
// happen to equal the rendered listing still produces a different Hash.
func fingerprintDir(fs FileSystem, path string, st Stat) (Hash, error) {
	entries, err := fs.ReadDir(path)
	if err != nil {
		return Hash{}, err
	}
	var buf []byte
	for _, e := range entries {
		buf = append(buf, e.Name...)
		if e.IsDir {
			buf = append(buf, '/')
		}
		buf = append(buf, '\n')
	}
	return hashTaggedContents(fileKindDirectory, st.Mode, int64(len(buf)), buf), nil
}

// fingerprintSymlink hashes a symlink's target string, per file_system.h's
// hashSymlink, tagged fileKindSymlink so it can never collide with a
// regular file or directory hash of the same bytes.
func fingerprintSymlink(fs FileSystem, path string, st Stat) (Hash, error) {
	target, err := fs.ReadLink(path)
	if err != nil {
		return Hash{}, err
	}
	return hashTaggedContents(fileKindSymlink, st.Mode, int64(len(target)), []byte(target)), nil
}
