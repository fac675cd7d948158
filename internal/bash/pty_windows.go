//go:build windows

package bash

import (
	"errors"
	"os"
	"os/exec"
)

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty mode is not supported on windows")
}
