// Copyright 2016 Google Inc. All Rights Reserved.
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
	"strings"
	"testing"
	"time"
)

func TestStatusPrinterNonTerminalOneLinePerStep(t *testing.T) {
	var buf bytes.Buffer
	s := NewStatusPrinter(&buf, "[%f/%t] ")
	s.SetTotalSteps(2)

	step1 := &Step{Command: "cc -c a.c", Outputs: []string{"a.o"}}
	s.StepStarted(step1)
	s.StepFinished(step1, CommandResult{Success: true})

	step2 := &Step{Command: "cc -c b.c", Outputs: []string{"b.o"}}
	s.StepStarted(step2)
	s.StepFinished(step2, CommandResult{Success: true})

	out := buf.String()
	if !strings.Contains(out, "[1/2] a.o\n") {
		t.Fatalf("got %q, want a line for a.o at 1/2", out)
	}
	if !strings.Contains(out, "[2/2] b.o\n") {
		t.Fatalf("got %q, want a line for b.o at 2/2", out)
	}
}

func TestStatusPrinterReportsFailureOutput(t *testing.T) {
	var buf bytes.Buffer
	s := NewStatusPrinter(&buf, "")
	s.SetTotalSteps(1)

	step := &Step{Command: "false", Outputs: []string{"out"}}
	s.StepFinished(step, CommandResult{Success: false, Output: []byte("boom")})

	out := buf.String()
	if !strings.Contains(out, "FAILED: out") || !strings.Contains(out, "boom") {
		t.Fatalf("got %q, want a FAILED block naming the step and its output", out)
	}
}

func TestStatusPrinterStripsAnsiFromFailureOutputOnNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	s := NewStatusPrinter(&buf, "")
	s.SetTotalSteps(1)

	step := &Step{Command: "false", Outputs: []string{"out"}}
	s.StepFinished(step, CommandResult{Success: false, Output: []byte("\x1b[31mboom\x1b[0m")})

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("got %q, expected ANSI escapes stripped for a non-terminal writer", out)
	}
	if !strings.Contains(out, "boom") {
		t.Fatalf("got %q, expected the underlying text to survive stripping", out)
	}
}

func TestStripAnsiEscapeCodes(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain text", "plain text"},
		{"\x1b[31mred\x1b[0m", "red"},
		{"no escape \x1b[1mhere\x1b[m end", "no escape here end"},
	}
	for _, c := range cases {
		if got := stripAnsiEscapeCodes(c.in); got != c.want {
			t.Errorf("stripAnsiEscapeCodes(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatProgressStatusPlaceholders(t *testing.T) {
	s := NewStatusPrinter(&bytes.Buffer{}, "")
	s.totalSteps = 4
	s.finishedSteps = 1

	got := s.formatProgressStatus("[%f/%t %p%%] literal %% end", 0)
	want := "[1/4 25%] literal % end"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDescribeStepPrefersFirstOutput(t *testing.T) {
	if got := describeStep(&Step{Command: "cmd", Outputs: []string{"a", "b"}}); got != "a" {
		t.Fatalf("got %q, want the first declared output", got)
	}
	if got := describeStep(&Step{Command: "cmd"}); got != "cmd" {
		t.Fatalf("a step with no outputs should describe itself by its command, got %q", got)
	}
}

func TestSlidingRateInfoRate(t *testing.T) {
	r := newSlidingRateInfo(4)
	base := time.Unix(1600000000, 0)
	for i := 0; i < 4; i++ {
		r.updateRate(i+1, base.Add(time.Duration(i)*time.Second))
	}
	// 4 samples one second apart: 3 completions span 3 seconds, so 1/sec.
	if got := r.rate(); got < 0.9 || got > 1.1 {
		t.Fatalf("got rate=%v, want ~1.0", got)
	}
}
