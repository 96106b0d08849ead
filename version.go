// Copyright 2013 Google Inc. All Rights Reserved.
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

// Version is the shk binary's own version, printed by --version. Unlike
// Ninja, Shuriken's manifest is consumed pre-compiled (spec.md §1), so
// there is no ninja_required_version-style compatibility check against a
// manifest-declared version string.
const Version = "0.1.0"
