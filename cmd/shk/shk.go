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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shuriken-build/shuriken"
)

// options holds the parsed command line, mirroring the fields Ninja's own
// Options struct carries (working directory, manifest path, parallelism,
// failure budget, dry-run, verbosity, tool name) plus shk's own -l
// load-average cap.
type options struct {
	workingDir  string
	manifestPath string
	parallelism int
	keepGoing   int
	loadAverage float64
	dryRun      bool
	verbose     bool
	tool        string
	targets     []string
}

// Main parses the command line, loads the manifest, and runs (or dry-runs)
// the requested targets, returning a process exit code.
func Main() int {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		errorf("%s", err)
		return 1
	}
	if opts.tool == "version" {
		fmt.Println(shk.Version)
		return 0
	}
	if opts.tool == "help" {
		printUsage()
		return 0
	}

	if opts.workingDir != "" {
		if err := os.Chdir(opts.workingDir); err != nil {
			fatalf("chdir to %s: %s", opts.workingDir, err)
		}
	}

	manifest, err := loadManifest(opts.manifestPath)
	if err != nil {
		errorf("%s", err)
		return 1
	}

	switch opts.tool {
	case "clean":
		return runClean(manifest)
	case "", "build":
		return runBuild(manifest, opts)
	default:
		errorf("unknown tool %q", opts.tool)
		return 1
	}
}

// parseArgs hand-rolls Ninja's own getopt-style parsing: short flags that
// sometimes take an attached or following argument, rather than handing
// this to the standard flag package, because -C, -f, -j, -k and -l all
// accept their value either as "-jN" or "-j N".
func parseArgs(args []string) (*options, error) {
	opts := &options{parallelism: runtime.NumCPU(), keepGoing: 1}
	i := 0
	next := func(flag string) (string, error) {
		if i < len(args) {
			v := args[i]
			i++
			return v, nil
		}
		return "", fmt.Errorf("option %s requires an argument", flag)
	}

	for i < len(args) {
		arg := args[i]
		i++
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			opts.targets = append(opts.targets, arg)
			continue
		}

		flag, attached, hasAttached := arg, "", false
		if idx := strings.IndexByte(arg, '='); idx >= 0 && strings.HasPrefix(arg, "--") {
			flag, attached, hasAttached = arg[:idx], arg[idx+1:], true
		} else if len(arg) > 2 && arg[1] != '-' {
			flag, attached, hasAttached = arg[:2], arg[2:], true
		}

		value := func() (string, error) {
			if hasAttached {
				return attached, nil
			}
			return next(flag)
		}

		switch flag {
		case "-C":
			v, err := value()
			if err != nil {
				return nil, err
			}
			opts.workingDir = v
		case "-f":
			v, err := value()
			if err != nil {
				return nil, err
			}
			opts.manifestPath = v
		case "-j":
			v, err := value()
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid -j value %q", v)
			}
			opts.parallelism = n
		case "-k":
			v, err := value()
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid -k value %q", v)
			}
			opts.keepGoing = n
		case "-l":
			v, err := value()
			if err != nil {
				return nil, err
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid -l value %q", v)
			}
			opts.loadAverage = f
		case "-n":
			opts.dryRun = true
		case "-v", "--verbose":
			opts.verbose = true
		case "-t":
			v, err := value()
			if err != nil {
				return nil, err
			}
			opts.tool = v
		case "--version":
			opts.tool = "version"
		case "-h", "--help":
			opts.tool = "help"
		default:
			return nil, suggestUnknownFlag(flag)
		}
	}
	if opts.manifestPath == "" {
		opts.manifestPath = "build.shk.json"
	}
	return opts, nil
}

// suggestUnknownFlag offers a "did you mean" correction using the same
// edit-distance search Ninja uses for misspelled reserved words.
func suggestUnknownFlag(flag string) error {
	known := []string{"-C", "-f", "-j", "-k", "-l", "-n", "-v", "-t", "--version", "-h", "--help"}
	best, bestDist := "", 1<<30
	for _, k := range known {
		d := shk.EditDistance(flag, k, true, 3)
		if d < bestDist {
			bestDist, best = d, k
		}
	}
	if bestDist <= 2 {
		return fmt.Errorf("unknown option %s (did you mean %s?)", flag, best)
	}
	return fmt.Errorf("unknown option %s", flag)
}

func printUsage() {
	fmt.Println(`usage: shk [options] [targets...]

options:
  -C DIR      change to DIR before doing anything else
  -f FILE     specify compiled manifest file (default build.shk.json)
  -j N        run N commands in parallel
  -k N        keep going until N jobs fail (0 means infinite)
  -l N        do not start new jobs if load average is above N
  -n          accepted but has no effect: commands still run
  -v          accepted but has no effect
  -t TOOL     run a subtool (clean)
  --version   print shk's version
  -h          print this message`)
}

// jsonManifest is the on-disk shape a compiled manifest is read from: a
// flat, already-evaluated list of steps. Producing this file from a
// Ninja-syntax source is out of scope for shk itself.
type jsonManifest struct {
	Steps []struct {
		Command         string   `json:"command"`
		Description     string   `json:"description"`
		Pool            string   `json:"pool"`
		Outputs         []string `json:"outputs"`
		Inputs          []string `json:"inputs"`
		ImplicitInputs  []string `json:"implicit_inputs"`
		OrderOnlyInputs []string `json:"order_only_inputs"`
		OutputDirs      []string `json:"output_dirs"`
		Rspfile         string   `json:"rspfile"`
		RspfileContent  string   `json:"rspfile_content"`
		Depfile         string   `json:"depfile"`
		Generator       bool     `json:"generator"`
		Restat          bool     `json:"restat"`
	} `json:"steps"`
	Defaults []string `json:"defaults"`
	Pools    []struct {
		Name  string `json:"name"`
		Depth int    `json:"depth"`
	} `json:"pools"`
}

func loadManifest(path string) (*shk.CompiledManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var jm jsonManifest
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	pools := map[string]shk.Pool{"console": {Name: "console", Depth: 1}}
	for _, p := range jm.Pools {
		pools[p.Name] = shk.Pool{Name: p.Name, Depth: p.Depth}
	}

	steps := make([]shk.Step, len(jm.Steps))
	for i, s := range jm.Steps {
		steps[i] = shk.Step{
			Command:         s.Command,
			Description:     s.Description,
			Pool:            pools[s.Pool],
			Outputs:         s.Outputs,
			Inputs:          s.Inputs,
			ImplicitInputs:  s.ImplicitInputs,
			OrderOnlyInputs: s.OrderOnlyInputs,
			OutputDirs:      s.OutputDirs,
			RspFile:         s.Rspfile,
			RspFileContent:  s.RspfileContent,
			Depfile:         s.Depfile,
			Generator:       s.Generator,
			Restat:          s.Restat,
		}
	}

	poolList := make([]shk.Pool, 0, len(pools))
	for _, p := range pools {
		poolList = append(poolList, p)
	}
	sort.Slice(poolList, func(i, j int) bool { return poolList[i].Name < poolList[j].Name })

	return shk.CompileManifest(steps, jm.Defaults, poolList)
}

// stateDir picks the directory shk keeps .shk_log in: the directory of the
// first step's first output, or "." when there is none. No builddir setting
// is read from the manifest.
func stateDir(manifest *shk.CompiledManifest) string {
	if len(manifest.Steps) == 0 || len(manifest.Steps[0].Outputs) == 0 {
		return "."
	}
	return filepath.Dir(manifest.Steps[0].Outputs[0])
}

func runClean(manifest *shk.CompiledManifest) int {
	fs := shk.RealFileSystem{}
	removed := 0
	for _, step := range manifest.Steps {
		for _, out := range step.Outputs {
			if err := fs.RemoveFile(out); err == nil {
				removed++
			}
		}
	}
	infof("removed %d files", removed)
	return 0
}

func runBuild(manifest *shk.CompiledManifest, opts *options) int {
	dir := stateDir(manifest)
	logPath := filepath.Join(dir, ".shk_log")
	lockPath := logPath + ".lock"

	unlock, err := acquireLock(lockPath)
	if err != nil {
		errorf("another shk instance is already building in %s: %s", dir, err)
		return 1
	}
	defer unlock()

	fs := shk.RealFileSystem{}
	log, err := shk.OpenInvocationLog(fs, logPath)
	if err != nil {
		errorf("%s", err)
		return 1
	}
	defer log.Close()

	invocations, entryCount, uniqueCount, err := shk.ParseInvocationLog(fs, logPath)
	if err != nil {
		errorf("%s", err)
		return 1
	}
	if entryCount > 1000 && entryCount > uniqueCount*3 {
		if err := log.Recompact(invocations); err != nil {
			warningf("recompacting invocation log: %s", err)
		}
	}

	status := shk.NewStatusPrinter(os.Stdout, os.Getenv("NINJA_STATUS"))
	status.SetTotalSteps(len(manifest.Steps))

	var runner shk.CommandRunner = shk.NewProcessRunner(opts.parallelism, opts.loadAverage)
	runner = shk.NewTracingCommandRunner(runner, fs, os.TempDir())

	build := shk.NewBuild(manifest, invocations, log, fs, runner, status, opts.parallelism, opts.keepGoing)

	targets, err := resolveTargets(manifest, opts.targets)
	if err != nil {
		errorf("%s", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := shk.RunBuild(ctx, build, targets, time.Now)
	if err != nil {
		errorf("%s", err)
		return 1
	}

	switch result {
	case shk.BuildSuccess:
		return 0
	case shk.BuildNoWorkToDo:
		infof("no work to do.")
		return 0
	case shk.BuildInterrupted:
		errorf("interrupted by user")
		return 2
	default:
		return 1
	}
}

// resolveTargets maps each command-line argument to the StepIndex that
// produces it: a plain path is looked up directly among declared outputs;
// a path suffixed with "^" instead resolves to the step that *consumes*
// that path, found via a binary search over the manifest's sorted input
// list, per spec.md's target syntax.
func resolveTargets(manifest *shk.CompiledManifest, args []string) ([]shk.StepIndex, error) {
	if len(args) == 0 {
		if len(manifest.Defaults) == 0 {
			return manifest.Roots, nil
		}
		args = manifest.Defaults
	}

	var targets []shk.StepIndex
	for _, arg := range args {
		if strings.HasSuffix(arg, "^") {
			path := strings.TrimSuffix(arg, "^")
			idx, ok := manifest.FindStepConsuming(path)
			if !ok {
				return nil, fmt.Errorf("%q is not consumed by any step", path)
			}
			targets = append(targets, idx)
			continue
		}
		idx, ok := manifest.FindOutput(arg)
		if !ok {
			return nil, fmt.Errorf("unknown target %q%s", arg, suggestTarget(manifest, arg))
		}
		targets = append(targets, idx)
	}
	return targets, nil
}

func suggestTarget(manifest *shk.CompiledManifest, arg string) string {
	best, bestDist := "", 1<<30
	for out := range manifest.OutputFiles {
		d := shk.EditDistance(arg, out, true, 6)
		if d < bestDist {
			bestDist, best = d, out
		}
	}
	if best != "" && bestDist <= len(arg)/2+2 {
		return fmt.Sprintf(" (did you mean %s?)", best)
	}
	return ""
}
