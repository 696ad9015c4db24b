//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

// SetProcessGroup is a no-op where process groups are unavailable.
func SetProcessGroup(*exec.Cmd) {}

// KillProcessGroup kills p only.
func KillProcessGroup(p *os.Process) error {
	return p.Kill()
}
