// Package platform binds the agent's input and capture boundaries to the
// host desktop. The X11 binding shells out to xdotool, wmctrl and ImageMagick
// import; the dry-run binding only logs what it would have done.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/agent"
	"github.com/xkilldash9x/deskpilot/internal/capture"
)

// Runner executes an external helper and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs helpers as child processes.
type ExecRunner struct {
	// Env is appended to the inherited environment, e.g. DISPLAY=:1.
	Env []string
}

// Run executes name with args. Stderr is folded into the error on failure.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, name, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if len(r.Env) > 0 {
		command.Env = append(command.Environ(), r.Env...)
	}

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w (stderr: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Device is everything the runtime needs from a desktop binding.
type Device interface {
	schemas.InputDevice
	schemas.PointerReader
	schemas.WindowLister
	capture.Screen
	// Strategies lists the foreground strategies in the order they should be
	// attempted.
	Strategies() []agent.ForegroundStrategy
}
