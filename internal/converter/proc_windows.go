//go:build windows

package converter

import (
	"os/exec"
	"syscall"
)

// hideWindow keeps console windows from flashing up for each child process.
func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
