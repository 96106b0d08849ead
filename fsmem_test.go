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

import "testing"

func TestVirtualFileSystemTickAdvancesMtime(t *testing.T) {
	fs := NewVirtualFileSystem()
	fs.Create("foo", "v1")
	st1, _ := fs.Stat("foo")

	fs.Tick()
	fs.Create("foo", "v2")
	st2, _ := fs.Stat("foo")

	if !st2.Mtime.After(st1.Mtime) {
		t.Fatalf("expected mtime to advance across a Tick, got %v then %v", st1.Mtime, st2.Mtime)
	}
}

func TestVirtualFileSystemRename(t *testing.T) {
	fs := NewVirtualFileSystem()
	fs.Create("a", "contents")
	if err := fs.Rename("a", "b"); err != nil {
		t.Fatal(err)
	}
	if st, _ := fs.Stat("a"); st.Exists {
		t.Fatal("expected the old name to no longer exist after rename")
	}
	got, err := fs.ReadFile("b")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "contents" {
		t.Fatalf("got %q, want %q", got, "contents")
	}
}

func TestVirtualFileSystemMkdirAndReadDir(t *testing.T) {
	fs := NewVirtualFileSystem()
	if err := fs.Mkdir("out"); err != nil {
		t.Fatal(err)
	}
	fs.Create("out/a.o", "")
	fs.Create("out/sub/b.o", "")

	entries, err := fs.ReadDir("out")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (a.o and the sub directory)", len(entries))
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["a.o"] || !names["sub"] {
		t.Fatalf("got entries %+v, want a.o and sub", entries)
	}
}

func TestVirtualFileSystemMkstempProducesDistinctPaths(t *testing.T) {
	fs := NewVirtualFileSystem()
	p1, err := fs.Mkstemp("tmp", "shkXXXXXX")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := fs.Mkstemp("tmp", "shkXXXXXX")
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Fatal("expected successive Mkstemp calls to produce distinct paths")
	}
	if st, _ := fs.Stat(p1); !st.Exists {
		t.Fatal("expected Mkstemp to actually create the file")
	}
}

func TestVirtualFileSystemRemoveFileMissingIsNotError(t *testing.T) {
	fs := NewVirtualFileSystem()
	if err := fs.RemoveFile("nope"); err != nil {
		t.Fatalf("expected removing a nonexistent path to succeed, got %v", err)
	}
}
