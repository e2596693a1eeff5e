// Package langprofile holds the static registry mapping a language tag to
// its compile/run templates, source/output filenames, and default resource
// overhead. It is pure reference data: no I/O, no state.
package langprofile

import (
	"fmt"
	"strings"
)

// Profile describes how to compile (optionally) and run submissions in one
// language.
type Profile struct {
	// Code is the canonical lowercase language tag (e.g. "cpp").
	Code string
	// DisplayName is the human-facing name (e.g. "C++17").
	DisplayName string
	// Version is the toolchain version string shown to users.
	Version string
	// SourceName is the filename the source is staged as in the sandbox.
	SourceName string
	// CompileArgs is empty for interpreted languages (no compile step).
	CompileArgs []string
	// ArtifactName is the file the compile step produces (the source file
	// itself for interpreted languages). The worker pool compiles and runs
	// in the same box, so the artifact is never copied between boxes.
	ArtifactName string
	// RunArgs is the argv used to execute the artifact.
	RunArgs []string
	// DefaultOverheadMs is added to the problem's wall-ms limit to account
	// for language startup cost (JVM boot, interpreter import, etc).
	DefaultOverheadMs int
}

// IsInterpreted reports whether the profile has no compile step.
func (p Profile) IsInterpreted() bool { return len(p.CompileArgs) == 0 }

var registry = map[string]Profile{
	"c": {
		Code:              "c",
		DisplayName:       "C17",
		Version:           "gcc 13",
		SourceName:        "main.c",
		CompileArgs:       []string{"/usr/bin/gcc", "main.c", "-std=gnu17", "-O2", "-pipe", "-static", "-s", "-o", "main"},
		ArtifactName:      "main",
		RunArgs:           []string{"./main"},
		DefaultOverheadMs: 0,
	},
	"cpp": {
		Code:              "cpp",
		DisplayName:       "C++17",
		Version:           "g++ 13",
		SourceName:        "main.cpp",
		CompileArgs:       []string{"/usr/bin/g++", "main.cpp", "-std=gnu++17", "-O2", "-pipe", "-s", "-o", "main"},
		ArtifactName:      "main",
		RunArgs:           []string{"./main"},
		DefaultOverheadMs: 0,
	},
	"python": {
		Code:              "python",
		DisplayName:       "Python 3",
		Version:           "cpython 3.11",
		SourceName:        "main.py",
		CompileArgs:       nil,
		ArtifactName:      "main.py",
		RunArgs:           []string{"/usr/bin/python3", "main.py"},
		DefaultOverheadMs: 300,
	},
	"java": {
		Code:              "java",
		DisplayName:       "Java 17",
		Version:           "openjdk 17",
		SourceName:        "Main.java",
		CompileArgs:       []string{"/bin/sh", "-c", "javac Main.java && jar cfe Main.jar Main *.class"},
		ArtifactName:      "Main.jar",
		RunArgs:           []string{"/usr/bin/java", "-jar", "Main.jar"},
		DefaultOverheadMs: 500,
	},
}

// Lookup returns the profile for a language tag (case/space insensitive).
// ok is false when the tag is not in the static registry.
func Lookup(tag string) (Profile, bool) {
	p, ok := registry[normalize(tag)]
	return p, ok
}

// MustLookup is Lookup but panics on an unknown tag; used only where the
// caller has already validated the tag via Lookup or ResourceValidator.
func MustLookup(tag string) Profile {
	p, ok := Lookup(tag)
	if !ok {
		panic(fmt.Sprintf("langprofile: unknown tag %q", tag))
	}
	return p
}

// Known returns all registered language tags, sorted by registration order
// is not guaranteed; callers needing a stable order should sort the result.
func Known() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

func normalize(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
