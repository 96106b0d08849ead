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
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// defaultStatusFormat mirrors Ninja's own NINJA_STATUS default: fraction
// done, then the output name.
const defaultStatusFormat = "[%f/%t] "

// StatusPrinter renders build progress to an io.Writer, honoring the
// NINJA_STATUS environment variable format string Ninja users already
// know, and switching between carriage-return overprinting and one line
// per step depending on whether the writer is an interactive terminal.
type StatusPrinter struct {
	w             io.Writer
	format        string
	smartTerminal bool

	totalSteps   int
	finishedSteps int
	startTime    time.Time
	rate         slidingRateInfo
}

// NewStatusPrinter builds a StatusPrinter writing to w. If w is *os.File
// and isatty.IsTerminal reports it as a TTY, progress overprints a single
// line the way an interactive ninja/shk run does; otherwise (redirected to
// a file or pipe) each update gets its own line, which is friendlier to
// log capture and CI.
func NewStatusPrinter(w io.Writer, ninjaStatusEnv string) *StatusPrinter {
	format := ninjaStatusEnv
	if format == "" {
		format = defaultStatusFormat
	}
	smart := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		smart = isatty.IsTerminal(f.Fd())
	}
	return &StatusPrinter{w: w, format: format, smartTerminal: smart, rate: newSlidingRateInfo(windowSize)}
}

func (s *StatusPrinter) SetTotalSteps(total int) { s.totalSteps = total }

func (s *StatusPrinter) StepStarted(step *Step) {
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}
}

func (s *StatusPrinter) StepFinished(step *Step, result CommandResult) {
	s.finishedSteps++
	s.rate.updateRate(s.finishedSteps, time.Now())
	line := s.formatProgressStatus(s.format, time.Since(s.startTime))
	line += describeStep(step)
	s.printLine(line)
	if !result.Success && len(result.Output) > 0 {
		output := string(result.Output)
		if !s.smartTerminal {
			// A redirected-to-file/CI log has no terminal to interpret a
			// failed command's color codes, so they'd show up as raw
			// garbage; a real terminal gets to keep them.
			output = stripAnsiEscapeCodes(output)
		}
		fmt.Fprintf(s.w, "FAILED: %s\n%s\n", describeStep(step), output)
	}
}

func describeStep(step *Step) string {
	if len(step.Outputs) > 0 {
		return step.Outputs[0]
	}
	return step.Command
}

func (s *StatusPrinter) Info(msg string)    { fmt.Fprintf(s.w, "shk: %s\n", msg) }
func (s *StatusPrinter) Warning(msg string) { fmt.Fprintf(s.w, "shk: warning: %s\n", msg) }
func (s *StatusPrinter) Error(msg string)   { fmt.Fprintf(s.w, "shk: error: %s\n", msg) }

func (s *StatusPrinter) printLine(line string) {
	if s.smartTerminal {
		fmt.Fprintf(s.w, "\r%s\x1b[K", line)
		if s.finishedSteps == s.totalSteps {
			fmt.Fprint(s.w, "\n")
		}
	} else {
		fmt.Fprintln(s.w, line)
	}
}

// formatProgressStatus expands a NINJA_STATUS-style format string. Supported
// placeholders: %f (finished), %t (total), %p (percent), %e (elapsed
// seconds), %r (instantaneous rate), %%.
func (s *StatusPrinter) formatProgressStatus(format string, elapsed time.Duration) string {
	var out strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			out.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case '%':
			out.WriteByte('%')
		case 'f':
			out.WriteString(strconv.Itoa(s.finishedSteps))
		case 't':
			out.WriteString(strconv.Itoa(s.totalSteps))
		case 'p':
			pct := 0
			if s.totalSteps > 0 {
				pct = s.finishedSteps * 100 / s.totalSteps
			}
			out.WriteString(strconv.Itoa(pct))
		case 'e':
			out.WriteString(strconv.FormatFloat(elapsed.Seconds(), 'f', 3, 64))
		case 'r':
			out.WriteString(strconv.FormatFloat(s.rate.rate(), 'f', 1, 64))
		default:
			out.WriteByte('%')
			out.WriteByte(format[i])
		}
	}
	return out.String()
}

func islatinalpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// stripAnsiEscapeCodes removes ANSI CSI escape codes from in, used when
// relaying a failed command's captured output to a non-terminal writer.
func stripAnsiEscapeCodes(in string) string {
	if strings.IndexByte(in, '\x1B') == -1 {
		return in
	}
	var stripped strings.Builder
	for i := 0; i < len(in); i++ {
		if in[i] != '\x1B' {
			stripped.WriteByte(in[i])
			continue
		}
		if i+1 >= len(in) || in[i+1] != '[' {
			continue
		}
		i += 2
		for i < len(in) && !islatinalpha(in[i]) {
			i++
		}
	}
	return stripped.String()
}

// windowSize bounds how many recent completions slidingRateInfo averages
// over, so the displayed rate tracks recent throughput rather than the
// whole build's average (which would lag badly right after a slow step).
const windowSize = 8

// slidingRateInfo tracks a moving average of steps/second over the last
// windowSize completions.
type slidingRateInfo struct {
	times     []time.Time
	lastIndex int
}

func newSlidingRateInfo(window int) slidingRateInfo {
	return slidingRateInfo{times: make([]time.Time, 0, window)}
}

func (r *slidingRateInfo) updateRate(finishedSteps int, now time.Time) {
	if cap(r.times) == 0 {
		return
	}
	if len(r.times) < cap(r.times) {
		r.times = append(r.times, now)
	} else {
		r.times[r.lastIndex%len(r.times)] = now
	}
	r.lastIndex++
}

func (r *slidingRateInfo) rate() float64 {
	if len(r.times) < 2 {
		return 0
	}
	oldest := r.times[0]
	newest := r.times[0]
	for _, t := range r.times {
		if t.Before(oldest) {
			oldest = t
		}
		if t.After(newest) {
			newest = t
		}
	}
	elapsed := newest.Sub(oldest).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(len(r.times)-1) / elapsed
}
