// Package probe checks whether a backend CLI is installed and responsive
// before the bridge accepts traffic.
package probe

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// Result reports a single CLI's availability.
type Result struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

const probeTimeout = 10 * time.Second

// Check runs `command --version` and reports the outcome. A missing binary
// or a non-zero exit both yield Available=false with the reason in Error.
func Check(ctx context.Context, command string) Result {
	if _, err := exec.LookPath(command); err != nil {
		return Result{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, command, "--version").Output()
	if err != nil {
		return Result{Error: err.Error()}
	}

	version := strings.TrimSpace(string(out))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	return Result{Available: true, Version: version}
}
