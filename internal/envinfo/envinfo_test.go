package envinfo

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDetectCI(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		vars     map[string]string
		detected bool
		provider string
	}{
		{"nothing set", ModeAuto, nil, false, ""},
		{"github", ModeAuto, map[string]string{"GITHUB_ACTIONS": "true", "CI": "true"}, true, "github"},
		{"gitlab", "", map[string]string{"GITLAB_CI": "true"}, true, "gitlab"},
		{"jenkins url", ModeAuto, map[string]string{"JENKINS_URL": "https://ci.example.com"}, true, "jenkins"},
		{"plain CI", ModeAuto, map[string]string{"CI": "1"}, true, "generic"},
		{"CI false", ModeAuto, map[string]string{"CI": "false"}, false, ""},
		{"forced on", ModeAlways, nil, true, "forced"},
		{"forced off", ModeNever, map[string]string{"GITHUB_ACTIONS": "true"}, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectCI(tt.mode, env(tt.vars))
			if got.Detected != tt.detected {
				t.Errorf("Detected = %v, want %v", got.Detected, tt.detected)
			}
			if got.Name != tt.provider {
				t.Errorf("Name = %q, want %q", got.Name, tt.provider)
			}
		})
	}
}

func TestRunnerDebug(t *testing.T) {
	if !RunnerDebug(env(map[string]string{"RUNNER_DEBUG": "1"})) {
		t.Error("RunnerDebug() = false, want true")
	}
	if RunnerDebug(env(nil)) {
		t.Error("RunnerDebug() = true, want false")
	}
}

func TestCollect(t *testing.T) {
	d := Collect(CIInfo{Detected: true, Name: "github"})

	if d.CPUs != runtime.NumCPU() {
		t.Errorf("CPUs = %d, want %d", d.CPUs, runtime.NumCPU())
	}
	if runtime.GOOS == "linux" && d.MemTotal == 0 {
		t.Error("MemTotal = 0 on linux")
	}
	if d.MemFree > d.MemTotal {
		t.Errorf("MemFree %d > MemTotal %d", d.MemFree, d.MemTotal)
	}

	var buf bytes.Buffer
	d.Print(&buf)
	out := buf.String()
	for _, want := range []string{"runtime:", "cpus:", "ci:", "yes (github)"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print() output missing %q:\n%s", want, out)
		}
	}
}
