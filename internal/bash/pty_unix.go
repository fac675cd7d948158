//go:build !windows

package bash

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts the command under a pseudo-terminal and returns the master
// side. stdout and stderr are interleaved on the one stream.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	// pty.Start sets its own session attributes; Setpgid conflicts with them.
	cmd.SysProcAttr = nil
	return pty.Start(cmd)
}
