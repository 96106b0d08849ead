// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(Main())
}

// fatalf logs a fatal message and exits.
func fatalf(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stderr, "shk: fatal: ")
	fmt.Fprintf(os.Stderr, msg, s...)
	fmt.Fprintf(os.Stderr, "\n")
	_ = os.Stderr.Sync()
	_ = os.Stdout.Sync()
	os.Exit(1)
}

// warningf logs a warning message.
func warningf(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stderr, "shk: warning: ")
	fmt.Fprintf(os.Stderr, msg, s...)
	fmt.Fprintf(os.Stderr, "\n")
}

// errorf logs an error message.
func errorf(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stderr, "shk: error: ")
	fmt.Fprintf(os.Stderr, msg, s...)
	fmt.Fprintf(os.Stderr, "\n")
}

// infof logs an informational message.
func infof(msg string, s ...interface{}) {
	fmt.Fprintf(os.Stdout, "shk: ")
	fmt.Fprintf(os.Stdout, msg, s...)
	fmt.Fprintf(os.Stdout, "\n")
}
