// Package envinfo reads the environment signals a build run depends on:
// CI detection, debug verbosity and host diagnostics.
package envinfo

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
)

// CI modes accepted by DetectCI
const (
	ModeAuto   = "auto"
	ModeAlways = "always"
	ModeNever  = "never"
)

// CIInfo holds CI environment information
type CIInfo struct {
	Detected bool
	Name     string // "github", "gitlab", "jenkins", etc.
	Forced   bool   // set by configuration rather than detected
}

// ciVars maps provider variables to provider names, checked in order
var ciVars = []struct {
	env  string
	name string
}{
	{"GITHUB_ACTIONS", "github"},
	{"GITLAB_CI", "gitlab"},
	{"BUILDKITE", "buildkite"},
	{"CIRCLECI", "circleci"},
	{"TRAVIS", "travis"},
	{"JENKINS_URL", "jenkins"},
	{"TEAMCITY_VERSION", "teamcity"},
	{"CI_NAME", "generic"},
	{"CI", "generic"},
}

// DetectCI reports whether the run is in CI. mode "always" and "never"
// override detection; anything else detects from getenv (os.Getenv if nil).
func DetectCI(mode string, getenv func(string) string) CIInfo {
	switch mode {
	case ModeAlways:
		return CIInfo{Detected: true, Name: "forced", Forced: true}
	case ModeNever:
		return CIInfo{Forced: true}
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	for _, v := range ciVars {
		if truthy(getenv(v.env)) {
			return CIInfo{Detected: true, Name: v.name}
		}
	}
	return CIInfo{}
}

// RunnerDebug reports whether the CI runner asked for debug output
func RunnerDebug(getenv func(string) string) bool {
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv("RUNNER_DEBUG") == "1"
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no":
		return false
	}
	return true
}

// Diagnostics is a snapshot of the host a run executes on
type Diagnostics struct {
	GoVersion  string
	OS         string
	Arch       string
	CPUs       int
	GOMAXPROCS int
	MemTotal   uint64
	MemFree    uint64
	CI         CIInfo
}

// Collect gathers host diagnostics. Memory figures are zero where the
// platform does not expose them.
func Collect(ci CIInfo) Diagnostics {
	d := Diagnostics{
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		CI:         ci,
	}
	d.MemTotal, d.MemFree = memory()
	return d
}

// Print writes the diagnostics as aligned key/value lines
func (d Diagnostics) Print(w io.Writer) {
	ci := "no"
	if d.CI.Detected {
		ci = "yes (" + d.CI.Name + ")"
	}
	fmt.Fprintf(w, "%-12s %s %s/%s\n", "runtime:", d.GoVersion, d.OS, d.Arch)
	fmt.Fprintf(w, "%-12s %d (GOMAXPROCS %d)\n", "cpus:", d.CPUs, d.GOMAXPROCS)
	if d.MemTotal > 0 {
		fmt.Fprintf(w, "%-12s %s total, %s free\n", "memory:", humanize.IBytes(d.MemTotal), humanize.IBytes(d.MemFree))
	}
	fmt.Fprintf(w, "%-12s %s\n", "ci:", ci)
}
