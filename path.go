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

import "strings"

// CanonicalizePath collapses a path the way Ninja does: backslashes become
// forward slashes, "." components are dropped, ".." components pop the
// preceding component when one exists, and a trailing slash is stripped
// (the root "/" is kept). It is a pure, allocation-light string transform
// with no filesystem access, so it is safe to call concurrently from the
// fingerprint worker pool.
//
// This only handles the lexical half of path identity; two lexically
// different but stat-identical paths (through a symlink, bind mount or
// hardlink) are reconciled later via FileId, not here.
func CanonicalizePath(path string) string {
	if path == "" {
		return path
	}

	path = strings.ReplaceAll(path, "\\", "/")

	rooted := strings.HasPrefix(path, "/")

	src := strings.Split(path, "/")
	components := make([]string, 0, len(src))
	for _, part := range src {
		switch part {
		case "", ".":
			// Skip empty components (collapses "//") and no-ops.
		case "..":
			if n := len(components); n > 0 && components[n-1] != ".." {
				components = components[:n-1]
			} else if !rooted {
				components = append(components, part)
			}
			// A ".." past the root of a rooted path is simply dropped.
		default:
			components = append(components, part)
		}
	}

	out := strings.Join(components, "/")
	if rooted {
		out = "/" + out
	}
	if out == "" {
		if rooted {
			return "/"
		}
		return "."
	}
	return out
}

// Dirname returns the canonicalized parent directory of path, or "" if path
// has no parent (it is a single component or the root). Used by
// deleteBuildProduct's ancestor-directory pruning walk.
func Dirname(path string) string {
	path = CanonicalizePath(path)
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	if idx == 0 {
		if len(path) == 1 {
			return ""
		}
		return "/"
	}
	return path[:idx]
}
